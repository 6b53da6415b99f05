package engine

import (
	"regexp"
	"strings"
	"testing"

	"github.com/burrowhq/burrow/internal/llm"
)

func TestSystemPromptCarriesZoneAndContext(t *testing.T) {
	client := &fakeClient{script: []func() (*llm.Response, error){textResponse("ok")}}
	e := newTestEngine(t, client, WithContextPrompt("## Previous Conversations\n- Garden: planted beans"))

	prompt := e.systemPrompt()
	if !strings.Contains(prompt, "Current local time:") {
		t.Error("prompt missing wall clock")
	}
	// The clock line includes the zone offset, e.g. "(+0200)".
	if !regexp.MustCompile(`\([+-]\d{4}\)`).MatchString(prompt) {
		t.Errorf("prompt missing zone offset:\n%s", prompt)
	}
	if !strings.Contains(prompt, "planted beans") {
		t.Error("prompt missing injected context")
	}
	if !strings.HasPrefix(prompt, basePrompt) {
		t.Error("prompt must start with the base guidelines")
	}
}
