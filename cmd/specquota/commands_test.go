package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/specquota/pkg/billing/lemonsqueezy"
)

const testConfigYAML = `
log:
  level: error
billing:
  enabled: false
auth:
  dev_headers: true
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "specquota.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", path}, args...))
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	return out.String(), err
}

func TestGrantCommand(t *testing.T) {
	out, err := execute(t, "grant", "--user", "user1", "--amount", "3", "--reference", "TICKET-1")
	require.NoError(t, err)
	assert.Contains(t, out, "granted 3 credits to user1")
	assert.Contains(t, out, "balance 3")
}

func TestGrantCommand_RequiresReference(t *testing.T) {
	_, err := execute(t, "grant", "--user", "user1", "--amount", "3", "--reference", "")
	assert.Error(t, err)
}

func TestResolveCommand_BillingDisabled(t *testing.T) {
	_, err := execute(t, "resolve", "--user", "user1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing is disabled")
}

func TestMigrateCommand_MemoryStore(t *testing.T) {
	_, err := execute(t, "migrate")
	assert.Error(t, err)
}

func TestPrintResolve(t *testing.T) {
	var buf bytes.Buffer
	printResolve(&buf, &lemonsqueezy.ResolveResult{
		UserID: "user1",
		Attempts: []lemonsqueezy.Attempt{
			{Strategy: lemonsqueezy.StrategyStoredSubscription, Outcome: lemonsqueezy.OutcomeNotFound},
			{Strategy: lemonsqueezy.StrategyCustomerLookup, Outcome: lemonsqueezy.OutcomeError, Error: "HTTP 500"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "stored_subscription")
	assert.Contains(t, out, "error: HTTP 500")
	assert.Contains(t, out, "no subscription found for user1")
}
