package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/support-agent/sagent/agent"
	"github.com/ZanzyTHEbar/support-agent/sagent/checkpoint"
	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/ZanzyTHEbar/support-agent/sagent/events"
	"github.com/ZanzyTHEbar/support-agent/sagent/retrieval"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"chat", "advance", "inspect", "restart", "kb"}, names)
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestLoadKB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.jsonl")
	lines := []string{
		`{"id":"c1","document_id":"shipping","text":"Orders ship within 2 business days.","embedding":[1,0,0]}`,
		``,
		`{"id":"c2","document_id":"refunds","text":"Refunds are accepted within 30 days.","embedding":[0,1,0]}`,
	}
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))

	r := retrieval.NewRetriever(nil, retrieval.NewMemoryIndex(3), retrieval.DefaultOptions())
	n, err := loadKB(context.Background(), r, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLoadKB_ReportsBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"c1\",\"text\":\"ok\",\"embedding\":[1]}\n{\"id\":\"\"}\n"), 0o600))

	r := retrieval.NewRetriever(nil, retrieval.NewMemoryIndex(1), retrieval.DefaultOptions())
	n, err := loadKB(context.Background(), r, path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2:")
	assert.Equal(t, 0, n)
}

func TestWriteLog(t *testing.T) {
	conv := agent.Conversation{
		ID:     "conv-1",
		UserID: "user_123",
		State:  checkpoint.StateFailed,
		Turns: []agent.Turn{{
			ID:       "t1",
			State:    checkpoint.StateFailed,
			Response: errx.FallbackMessage,
			Failure:  &agent.Failure{Kind: errx.KindTransient, Reason: "lookup failed after 3 attempt(s)"},
		}},
	}
	payload, err := json.Marshal(conv)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeLog(&buf, []*checkpoint.Checkpoint{
		checkpoint.New("conv-1", 1, checkpoint.StateFailed, payload),
		checkpoint.New("conv-1", 2, checkpoint.StateReasoning, []byte("garbage")),
	}))

	out := buf.String()
	assert.Contains(t, out, "SEQ")
	assert.Contains(t, out, "lookup failed after 3 attempt(s)")
	assert.Contains(t, out, "undecodable payload")
}

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	printOutcome(&buf, &agent.Outcome{
		Response: errx.FallbackMessage,
		Escalate: true,
		Failure:  &agent.Failure{Kind: errx.KindNonConvergence, Reason: "too many cycles"},
	})
	assert.Contains(t, buf.String(), errx.FallbackMessage)
	assert.Contains(t, buf.String(), "too many cycles")
	assert.Contains(t, buf.String(), "human agent")
}

func TestPrintProgress(t *testing.T) {
	ok := false
	evs := make(chan events.Event, 3)
	acting := events.New(events.TypeTransition, "conv-1", 3, "acting")
	acting.Tool = "get_order_status"
	call := events.New(events.TypeToolCall, "conv-1", 4, "reasoning")
	call.Tool = "get_order_status"
	call.ToolOK = &ok
	call.FailureKind = string(errx.KindTransient)
	evs <- acting
	evs <- events.New(events.TypeTransition, "other", 1, "retrieving")
	evs <- call
	close(evs)

	var buf bytes.Buffer
	printProgress(&buf, "conv-1", evs)
	assert.Equal(t, "  . acting (get_order_status)\n  . get_order_status failed: "+string(errx.KindTransient)+"\n", buf.String())
}
