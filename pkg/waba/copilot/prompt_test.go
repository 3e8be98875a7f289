package copilot

import (
	"strings"
	"testing"

	"github.com/jchavesmartinez/waba/pkg/waba/conversation"
)

func TestBuildMessages(t *testing.T) {
	t.Parallel()

	history := []conversation.Message{
		{Role: "user", Content: "Hola"},
		{Role: "user", Content: "quiero alquilar"},
	}
	pending := []conversation.PendingEntry{
		{ID: 1, Content: "Hola"},
		{ID: 2, Content: "quiero alquilar"},
	}

	msgs := BuildMessages("persona", history, pending)

	if len(msgs) != 4 {
		t.Fatalf("len = %d, want 4", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "persona" {
		t.Errorf("msgs[0] = %+v, want system persona", msgs[0])
	}
	if msgs[1] != history[0] || msgs[2] != history[1] {
		t.Errorf("history not preserved in order: %+v", msgs[1:3])
	}
	want := "Integra y responde en UN solo mensaje considerando estos mensajes recientes:\n- Hola\n- quiero alquilar"
	if msgs[3].Role != "user" || msgs[3].Content != want {
		t.Errorf("msgs[3] = %+v, want user %q", msgs[3], want)
	}
}

func TestSystemPrompt(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"Sofía Soler", "506BOX PROPERTY NERDS", "usted"} {
		if !strings.Contains(SystemPrompt, s) {
			t.Errorf("SystemPrompt missing %q", s)
		}
	}
}
