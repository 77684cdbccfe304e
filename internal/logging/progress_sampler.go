package logging

import "strings"

// ProgressSampler suppresses repetitive evaluator progress logs while
// preserving signal when the message or percentage bucket changes.
type ProgressSampler struct {
	bucketSize  float64
	lastMessage string
	lastBucket  int
}

// NewProgressSampler constructs a sampler that emits when the completion
// percentage crosses bucket boundaries (default 10%) or when the message
// changes.
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 10
	}
	return &ProgressSampler{bucketSize: bucketSize, lastBucket: -1}
}

// ShouldLog reports whether a ql/progressUpdated event should be logged.
// A non-positive maxStep means the total is unknown, in which case only
// message changes are reported.
func (s *ProgressSampler) ShouldLog(step, maxStep int, message string) bool {
	if s == nil {
		return true
	}
	message = strings.TrimSpace(message)
	emit := false
	if message != "" && message != s.lastMessage {
		s.lastMessage = message
		emit = true
	}
	if maxStep > 0 {
		percent := float64(step) / float64(maxStep) * 100
		bucket := int(percent / s.bucketSize)
		if percent >= 100 {
			bucket = int(100 / s.bucketSize)
		}
		if bucket > s.lastBucket {
			s.lastBucket = bucket
			emit = true
		}
	}
	return emit
}

// Reset clears the sampler state (e.g. when a new query starts).
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.lastMessage = ""
	s.lastBucket = -1
}
