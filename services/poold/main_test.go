package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"

	"stakepool/core/events"
	"stakepool/crypto"
	"stakepool/services/poold/config"
)

func testConfig(t *testing.T, dataDir string) config.Config {
	t.Helper()
	addr := func(fill byte) string {
		return crypto.MustNewAddress(crypto.StakePrefix, bytes.Repeat([]byte{fill}, crypto.AddressLength)).String()
	}
	return config.Config{
		DataDir: dataDir,
		Pool: config.PoolConfig{
			Custody:     addr(0xC0),
			Owner:       addr(0xA0),
			Manager:     addr(0xA1),
			StakeDenom:  "STK",
			RewardDenom: "RWD",
			ReduceRate:  25,
			Paused:      true,
		},
	}
}

func TestBuildPoolRestoresFromLevelDB(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := &events.Recorder{}

	db, err := openDatabase(cfg)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	pool, err := buildPool(cfg, db, recorder, logger)
	if err != nil {
		t.Fatalf("build pool: %v", err)
	}
	_, owner, manager, err := cfg.Pool.Addresses()
	if err != nil {
		t.Fatalf("addresses: %v", err)
	}
	if !pool.roles.IsManager(manager) || !pool.roles.IsAdmin(owner) {
		t.Fatalf("roles not configured from config")
	}
	if got := pool.engine.RoundSnapshot().RewardReduceRate; got != 25 {
		t.Fatalf("expected reduce rate 25, got %d", got)
	}
	if !pool.pauses.IsPaused("rewardpool") {
		t.Fatalf("expected module paused from config")
	}

	if err := pool.reward.Mint(owner, big.NewInt(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := pool.engine.OpenRound(context.Background(), owner, big.NewInt(1), 0, 100); err != nil {
		t.Fatalf("open round: %v", err)
	}
	db.Close()

	reopened, err := openDatabase(cfg)
	if err != nil {
		t.Fatalf("reopen database: %v", err)
	}
	defer reopened.Close()
	restored, err := buildPool(cfg, reopened, recorder, logger)
	if err != nil {
		t.Fatalf("rebuild pool: %v", err)
	}
	snapshot := restored.engine.RoundSnapshot()
	if !snapshot.IsOpen || snapshot.FundedReward.Int64() != 100 {
		t.Fatalf("round not restored: %+v", snapshot)
	}
	balance, err := restored.reward.BalanceOf(owner)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 400 {
		t.Fatalf("expected owner balance 400, got %s", balance)
	}
}

func TestOpenDatabaseInMemory(t *testing.T) {
	db, err := openDatabase(config.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
}
