package serve

import (
	"testing"
	"time"

	cmdUtil "github.com/phoenixkv/phoenix/cmd/util"
)

func TestProcessConfig(t *testing.T) {
	cmdUtil.InitEnv()

	t.Run("FlagsAndEnvironment", func(t *testing.T) {
		t.Setenv("PHOENIX_MAX_WORKERS", "3")
		t.Setenv("PHOENIX_DATA_DIR", "/tmp/phoenix-test")

		if err := ServeCmd.ParseFlags([]string{
			"--endpoint", "127.0.0.1:7000",
			"--admission-timeout", "0.5",
			"--sweep-interval", "250",
		}); err != nil {
			t.Fatalf("Failed to parse flags: %v", err)
		}
		if err := processConfig(ServeCmd, nil); err != nil {
			t.Fatalf("processConfig failed: %v", err)
		}

		if serveCmdConfig.Transport.Endpoint != "127.0.0.1:7000" {
			t.Errorf("Expected endpoint from flag, got %q", serveCmdConfig.Transport.Endpoint)
		}
		if serveCmdConfig.Transport.MaxWorkers != 3 {
			t.Errorf("Expected max workers from env, got %d", serveCmdConfig.Transport.MaxWorkers)
		}
		if serveCmdConfig.DataDir != "/tmp/phoenix-test" {
			t.Errorf("Expected data dir from env, got %q", serveCmdConfig.DataDir)
		}
		if serveCmdConfig.Transport.AdmissionTimeout != 500*time.Millisecond {
			t.Errorf("Expected 500ms admission timeout, got %s", serveCmdConfig.Transport.AdmissionTimeout)
		}
		if serveCmdConfig.SweepInterval != 250*time.Millisecond {
			t.Errorf("Expected 250ms sweep interval, got %s", serveCmdConfig.SweepInterval)
		}
	})

	t.Run("InvalidTransport", func(t *testing.T) {
		t.Setenv("PHOENIX_TRANSPORT", "http")

		if err := processConfig(ServeCmd, nil); err == nil {
			t.Error("Expected an error for an unknown transport")
		}
	})
}
