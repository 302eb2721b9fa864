package metadata

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	tokenPaths = []string{
		"tokens_used", "tokensUsed", "total_tokens", "totalTokens",
		"usage.total_tokens", "usage.totalTokens", "context_window.total_tokens",
	}
	contextPaths = []string{
		"context_percent", "contextPercent", "context_window.used_percentage",
		"context_window.usedPercentage", "context.percent_used",
	}
	costPaths = []string{
		"cost_usd", "costUsd", "costUSD", "total_cost_usd", "cost.total_cost_usd", "cost",
	}
	statusPaths = []string{"status", "state"}
)

// parseStatusFile extracts a snapshot from the structured status file. It
// reports false for content that is not a JSON object or carries none of the
// known fields, which covers partial writes and truncation.
func parseStatusFile(b []byte) (Snapshot, bool) {
	if len(b) == 0 || !gjson.ValidBytes(b) {
		return Snapshot{}, false
	}
	root := gjson.ParseBytes(b)
	if !root.IsObject() {
		return Snapshot{}, false
	}

	var snap Snapshot
	found := false
	if r, ok := firstNumber(root, tokenPaths); ok {
		v := r.Int()
		snap.TokensUsed = &v
		found = true
	}
	if r, ok := firstNumber(root, contextPaths); ok {
		v := clampPercent(int(r.Int()))
		snap.ContextPercent = &v
		found = true
	}
	if r, ok := firstNumber(root, costPaths); ok {
		v := r.Float()
		snap.CostUSD = &v
		found = true
	}
	for _, p := range statusPaths {
		if r := root.Get(p); r.Type == gjson.String && r.Str != "" {
			snap.Status = r.Str
			found = true
			break
		}
	}
	if !found {
		return Snapshot{}, false
	}
	snap.Source = SourceStatusFile
	snap.Raw = truncateRaw(string(b))
	return snap, true
}

func firstNumber(root gjson.Result, paths []string) (gjson.Result, bool) {
	for _, p := range paths {
		r := root.Get(p)
		if r.Type == gjson.Number {
			return r, true
		}
		if r.Type == gjson.String {
			if _, err := strconv.ParseFloat(r.Str, 64); err == nil {
				return r, true
			}
		}
	}
	return gjson.Result{}, false
}

var (
	ansiRe    = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07`)
	costRe    = regexp.MustCompile(`\$\s?([0-9][0-9,]*(?:\.[0-9]+)?)`)
	tokensRe  = regexp.MustCompile(`(?i)([0-9][0-9,]*(?:\.[0-9]+)?)\s*([km])?\s*tokens?\b`)
	contextRe = regexp.MustCompile(`(?i)(?:context[^0-9\n]{0,24}([0-9]{1,3})\s*%|([0-9]{1,3})\s*%\s*(?:of\s+)?context)`)
)

// statusKeywords maps log phrases to a status, in priority order.
var statusKeywords = []struct {
	needle string
	status string
}{
	{"error", "error"},
	{"rate limit", "rate-limited"},
	{"waiting for input", "waiting"},
	{"awaiting", "waiting"},
	{"thinking", "working"},
	{"running", "working"},
	{"working", "working"},
	{"done", "idle"},
	{"completed", "idle"},
}

// parseLogTail applies heuristics to the most recent log lines. Newer lines
// win; each field is taken from the newest line that carries it.
func parseLogTail(lines []string) Snapshot {
	snap := Snapshot{Source: SourceLogTail}
	for i := len(lines) - 1; i >= 0; i-- {
		line := ansiRe.ReplaceAllString(lines[i], "")
		if snap.CostUSD == nil {
			if m := costRe.FindStringSubmatch(line); m != nil {
				if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
					snap.CostUSD = &v
				}
			}
		}
		if snap.TokensUsed == nil {
			if m := tokensRe.FindStringSubmatch(line); m != nil {
				if v, ok := parseScaled(m[1], m[2]); ok {
					snap.TokensUsed = &v
				}
			}
		}
		if snap.ContextPercent == nil {
			if m := contextRe.FindStringSubmatch(line); m != nil {
				digits := m[1]
				if digits == "" {
					digits = m[2]
				}
				if v, err := strconv.Atoi(digits); err == nil {
					v = clampPercent(v)
					snap.ContextPercent = &v
				}
			}
		}
		if snap.Status == "" {
			lower := strings.ToLower(line)
			for _, kw := range statusKeywords {
				if strings.Contains(lower, kw.needle) {
					snap.Status = kw.status
					break
				}
			}
		}
	}
	snap.Raw = truncateRaw(strings.Join(lines, "\n"))
	return snap
}

func parseScaled(num, suffix string) (int64, bool) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(suffix) {
	case "k":
		f *= 1_000
	case "m":
		f *= 1_000_000
	}
	return int64(f), true
}

func clampPercent(v int) int {
	return max(0, min(100, v))
}
