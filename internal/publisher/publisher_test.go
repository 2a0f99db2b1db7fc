package publisher

import (
	"strings"
	"testing"

	"github.com/batect-run/batect/internal/engine"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    Target
		wantErr bool
	}{
		{
			name: "valid target",
			ref:  "batect-run/batect#42",
			want: Target{Owner: "batect-run", Repo: "batect", Number: 42},
		},
		{
			name:    "missing number separator",
			ref:     "batect-run/batect",
			wantErr: true,
		},
		{
			name:    "missing owner separator",
			ref:     "batect-run-batect#42",
			wantErr: true,
		},
		{
			name:    "non-numeric number",
			ref:     "batect-run/batect#abc",
			wantErr: true,
		},
		{
			name:    "zero number",
			ref:     "batect-run/batect#0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTarget() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Fatalf("ParseTarget() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRenderSummaryIncludesFirstFailureAndEventTail(t *testing.T) {
	result := engine.Result{
		ExitCode: 1,
		Events: []engine.Event{
			{Kind: engine.EventTaskNetworkCreated},
			{Kind: engine.EventContainerDidNotBecomeHealthy, Container: "db", Reason: "pg_isready failed"},
			{Kind: engine.EventContainerRemoved, Container: "db"},
		},
	}

	summary := renderSummary("run-app", result)

	if !strings.Contains(summary, "run-app") {
		t.Fatalf("renderSummary() missing task name: %s", summary)
	}
	if !strings.Contains(summary, "ContainerDidNotBecomeHealthy") || !strings.Contains(summary, "db") {
		t.Fatalf("renderSummary() missing first failure: %s", summary)
	}
	if !strings.Contains(summary, "pg_isready failed") {
		t.Fatalf("renderSummary() missing failure reason: %s", summary)
	}
}

func TestRenderSummaryWithNoFailureEventOmitsFirstFailureLine(t *testing.T) {
	result := engine.Result{
		ExitCode: 1,
		Events: []engine.Event{
			{Kind: engine.EventUserInterrupted},
			{Kind: engine.EventContainerStopped, Container: "svc"},
		},
	}

	summary := renderSummary("run-app", result)
	if strings.Contains(summary, "First failure") {
		t.Fatalf("renderSummary() = %q, want no First failure line when no *Failed event exists", summary)
	}
}
