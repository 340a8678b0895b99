package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// CheckerTimeout bounds one checker's outbound HTTP call.
const CheckerTimeout = 10 * time.Second

var (
	checkersMu sync.RWMutex
	checkers   = map[string]Checker{
		"http_poll": httpPollChecker,
	}
)

// RegisterChecker adds a checker under a job type key. Built-in types can be
// overridden in tests.
func RegisterChecker(jobType string, checker Checker) {
	checkersMu.Lock()
	defer checkersMu.Unlock()
	checkers[jobType] = checker
}

func lookupChecker(jobType string) (Checker, bool) {
	checkersMu.RLock()
	defer checkersMu.RUnlock()
	c, ok := checkers[jobType]
	return c, ok
}

// httpPollConfig is the config record for the http_poll job type.
type httpPollConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// PromptTemplate, when set, replaces each trigger's prompt; the literal
	// {{summary}} is substituted with the trigger summary.
	PromptTemplate string `json:"promptTemplate,omitempty"`
}

var httpPollClient = &http.Client{Timeout: CheckerTimeout}

// httpPollChecker fetches a JSON array of triggers from a user-supplied
// endpoint. The endpoint owns the dedupe keys; the scheduler only remembers
// them.
func httpPollChecker(ctx context.Context, config json.RawMessage) ([]Trigger, error) {
	var cfg httpPollConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return nil, fmt.Errorf("invalid http_poll config: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("http_poll config missing url")
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpPollClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_poll fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http_poll endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	var triggers []Trigger
	if err := json.Unmarshal(body, &triggers); err != nil {
		return nil, fmt.Errorf("http_poll endpoint returned invalid trigger array: %w", err)
	}

	if cfg.PromptTemplate != "" {
		for i := range triggers {
			triggers[i].Prompt = strings.ReplaceAll(cfg.PromptTemplate, "{{summary}}", triggers[i].Summary)
		}
	}

	// Drop triggers without a dedupe key rather than spawning unbounded
	// duplicates.
	valid := triggers[:0]
	for _, t := range triggers {
		if t.DedupeKey != "" {
			valid = append(valid, t)
		}
	}
	return valid, nil
}
