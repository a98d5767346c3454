package telemetry

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestNewClientOptOut(t *testing.T) {
	t.Setenv("REFACTORCTL_TELEMETRY_OPTOUT", "1")

	client := NewClient("1.0.0", nil)

	if _, ok := client.(*NoOpClient); !ok {
		t.Error("REFACTORCTL_TELEMETRY_OPTOUT=1 should return NoOpClient")
	}
}

func TestNewClientOptOutWithAnyValue(t *testing.T) {
	t.Setenv("REFACTORCTL_TELEMETRY_OPTOUT", "yes")

	client := NewClient("1.0.0", nil)

	if _, ok := client.(*NoOpClient); !ok {
		t.Error("REFACTORCTL_TELEMETRY_OPTOUT with any value should return NoOpClient")
	}
}

func TestNewClientNilPreferenceDefaultsDisabled(t *testing.T) {
	client := NewClient("1.0.0", nil)

	if _, ok := client.(*NoOpClient); !ok {
		t.Error("nil telemetry preference should return NoOpClient")
	}
}

func TestNewClientTelemetryDisabledInConfig(t *testing.T) {
	disabled := false
	client := NewClient("1.0.0", &disabled)

	if _, ok := client.(*NoOpClient); !ok {
		t.Error("telemetryEnabled=false should return NoOpClient")
	}
}

func TestNoOpClientMethods(_ *testing.T) {
	client := &NoOpClient{}

	client.TrackCommand(nil, "", -1)
	client.TrackCommand(&cobra.Command{Use: "test"}, "claude-code", 3)
	client.Close()
}

func TestPostHogClientSkipsHiddenCommands(_ *testing.T) {
	client := &PostHogClient{machineID: "test-id"}

	hiddenCmd := &cobra.Command{Use: "hidden", Hidden: true}

	client.TrackCommand(hiddenCmd, "claude-code", 1)
}

func TestPostHogClientSkipsNilCommand(_ *testing.T) {
	client := &PostHogClient{machineID: "test-id"}

	client.TrackCommand(nil, "claude-code", 1)
}

func TestPostHogClientClose(_ *testing.T) {
	client := &PostHogClient{machineID: "test-id"}

	client.Close()
}

func TestTrackCommandUsesCommandPath(t *testing.T) {
	client := &PostHogClient{machineID: "test-id"}

	cmd := &cobra.Command{Use: "run"}
	rootCmd := &cobra.Command{Use: "refactorctl"}
	rootCmd.AddCommand(cmd)

	if cmd.CommandPath() != "refactorctl run" {
		t.Errorf("CommandPath() = %q, want %q", cmd.CommandPath(), "refactorctl run")
	}

	client.TrackCommand(cmd, "claude-code", 5)
}
