package cli

import "testing"

func TestParseFailuresExitArgsCode(t *testing.T) {
	cases := [][]string{
		{"--definitely-not-a-flag"},
		{"frobnicate"},
		{"backup", "one-url", "another-url"},
	}
	for _, args := range cases {
		rootCmd.SetArgs(args)
		if code := Execute(); code != 2 {
			t.Errorf("args %v: exit code %d, want 2", args, code)
		}
	}
	rootCmd.SetArgs([]string{})
}
