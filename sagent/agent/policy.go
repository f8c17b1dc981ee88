package agent

import (
	"slices"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent/config"
	"github.com/ZanzyTHEbar/support-agent/sagent/tooling"
)

// Policy controls orchestration behavior.
type Policy struct {
	MaxCycles            int                 // Reasoning<->Acting cycles per turn
	RetrievalTimeout     time.Duration       // bound on the retrieve node
	RetrievalK           int                 // chunks requested per turn
	Reasoning            tooling.RetryPolicy // provider call attempts and per-call timeout
	MaxHistoryMessages   int                 // history window sent to the model
	SystemPrompt         string
	Temperature          float32
	MaxTokens            int
	SkipRetrievalIntents []Intent
	JudgeEnabled         bool
	JudgeThreshold       float64
	JudgeMaxTokens       int
	JudgeTemperature     float32
	MaxResponseChars     int
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxCycles:        8,
		RetrievalTimeout: 2 * time.Second,
		RetrievalK:       5,
		Reasoning: tooling.RetryPolicy{
			MaxAttempts:    3,
			BaseDelay:      250 * time.Millisecond,
			MaxDelay:       2 * time.Second,
			JitterPercent:  20,
			AttemptTimeout: 30 * time.Second,
		},
		MaxHistoryMessages: 20,
		SystemPrompt:       config.DefaultSystemPrompt,
		Temperature:        0.2,
		MaxTokens:          1024,
		JudgeThreshold:     0.5,
		JudgeMaxTokens:     200,
		MaxResponseChars:   4000,
	}
}

func (p *Policy) skipsRetrieval(intent Intent) bool {
	return slices.Contains(p.SkipRetrievalIntents, intent)
}
