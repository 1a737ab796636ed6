package config

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/coldbell/solayield/backend/internal/protocol"
)

func TestFlattenConfig(t *testing.T) {
	body := `
solana:
  rpc-url: http://rpc.local:8899
  commitment: finalized
solayield:
  sequence_retries: 5
api_server:
  allowed origins:
    - https://a.example
    - " "
    - https://b.example
`
	raw := make(map[string]any)
	require.NoError(t, yaml.Unmarshal([]byte(body), &raw))

	flat, err := flattenConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, "http://rpc.local:8899", flat["SOLANA_RPC_URL"])
	assert.Equal(t, "finalized", flat["SOLANA_COMMITMENT"])
	assert.Equal(t, "5", flat["SOLAYIELD_SEQUENCE_RETRIES"])
	assert.Equal(t, "https://a.example,https://b.example", flat["API_SERVER_ALLOWED_ORIGINS"])
}

func TestNormalizeKeySegment(t *testing.T) {
	assert.Equal(t, "RPC_URL", normalizeKeySegment(" rpc-url "))
	assert.Equal(t, "WS_PUSH_INTERVAL", normalizeKeySegment("ws..push  interval"))
	assert.Equal(t, "", normalizeKeySegment("--"))
}

func TestLoadCLIConfigFromEnv(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	t.Setenv("SOLANA_RPC_URL", "http://validator:8899")
	t.Setenv("SOLANA_COMMITMENT", "finalized")
	t.Setenv("SOLAYIELD_KEYPAIR_PATH", "/tmp/id.json")
	t.Setenv("SOLAYIELD_UNDERLYING_MINT", mint.String())
	t.Setenv("SOLAYIELD_TX_TIMEOUT", "45s")
	t.Setenv("SOLAYIELD_MAX_RETRIES", "2")
	t.Setenv("SOLAYIELD_COMPUTE_UNIT_LIMIT", "200000")
	t.Setenv("SOLAYIELD_YIELD_SETTLEMENT", "YIELD_TOKEN")

	cfg, err := LoadCLIConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://validator:8899", cfg.RPCURL)
	assert.Equal(t, rpc.CommitmentFinalized, cfg.Commitment)
	assert.Equal(t, "/tmp/id.json", cfg.KeypairPath)
	assert.Equal(t, protocol.ProgramID, cfg.ProgramID)
	assert.Equal(t, mint, cfg.UnderlyingMint)
	assert.Equal(t, 45*time.Second, cfg.TxTimeout)
	require.NotNil(t, cfg.MaxRetries)
	assert.Equal(t, uint(2), *cfg.MaxRetries)
	assert.Equal(t, uint32(200_000), cfg.ComputeUnitLimit)
	assert.Equal(t, 3, cfg.SequenceRetries)
	assert.Equal(t, YieldSettlementYieldToken, cfg.YieldSettlement)
	assert.Equal(t, "stderr", cfg.Log.Output)
}

func TestLoadCLIConfigRejectsBadValues(t *testing.T) {
	t.Setenv("SOLAYIELD_KEYPAIR_PATH", "/tmp/id.json")

	t.Run("settlement", func(t *testing.T) {
		t.Setenv("SOLAYIELD_YIELD_SETTLEMENT", "points")
		_, err := LoadCLIConfig()
		require.Error(t, err)
	})
	t.Run("mint", func(t *testing.T) {
		t.Setenv("SOLAYIELD_UNDERLYING_MINT", "not-a-key")
		_, err := LoadCLIConfig()
		require.Error(t, err)
	})
	t.Run("commitment", func(t *testing.T) {
		t.Setenv("SOLANA_COMMITMENT", "eventually")
		_, err := LoadCLIConfig()
		require.Error(t, err)
	})
}

func TestLoadIndexerConfigRetryBounds(t *testing.T) {
	t.Setenv("INDEXER_RPC_RETRY_BASE_DELAY", "10s")
	t.Setenv("INDEXER_RPC_RETRY_MAX_DELAY", "1s")
	_, err := LoadIndexerConfig()
	require.Error(t, err)
}

func TestLoadAPIServerConfigDefaults(t *testing.T) {
	t.Setenv("API_SERVER_ALLOWED_ORIGINS", "https://app.example, https://admin.example")
	cfg, err := LoadAPIServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, []string{"https://app.example", "https://admin.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 2*time.Second, cfg.PushInterval)
	assert.Equal(t, "console", cfg.Log.Output)
}
