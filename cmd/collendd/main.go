package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"collend/config"
	"collend/crypto"
	"collend/native/lending"
	"collend/native/token"
	"collend/observability"
	"collend/observability/logging"
	"collend/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "collend.toml", "path to collendd config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("COLLEND_ENV"))
	logger := logging.Setup("collendd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	collateral, err := token.NewLedger(cfg.CollateralAsset)
	if err != nil {
		log.Fatalf("collateral ledger: %v", err)
	}
	debt, err := token.NewLedger(cfg.DebtAsset)
	if err != nil {
		log.Fatalf("debt ledger: %v", err)
	}
	if err := applyGenesis(cfg, collateral, debt); err != nil {
		log.Fatalf("apply genesis: %v", err)
	}

	registry, err := lending.NewRegistry(collateral, debt)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	registry.SetEmitter(observability.NewEventCounter(observability.LendingMetrics(), nil))

	operator := mustIdentity(cfg, cfg.Operator)
	overseer := mustIdentity(cfg, cfg.Overseer)
	treasury := mustIdentity(cfg, cfg.Treasury)
	gatewayAddr := mustIdentity(cfg, cfg.Gateway)

	gateway, err := lending.NewGateway(gatewayAddr, operator, overseer, treasury, registry, collateral, debt, lending.Bounds{
		MinInterest:         cfg.MinInterestWei(),
		MaxLoanToCollateral: cfg.MaxLoanToCollateralWei(),
		MaxDuration:         cfg.MaxDurationSeconds,
	})
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "vaults"))
	if err != nil {
		log.Fatalf("open vault db: %v", err)
	}
	defer db.Close()
	store := lending.NewVaultStore(db)
	restored, err := store.Restore(registry)
	if err != nil {
		log.Fatalf("restore vaults: %v", err)
	}
	if restored > 0 {
		logger.Info("restored vaults", slog.Int("count", restored))
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		operator := gateway.Operator()
		overseer := gateway.Overseer()
		payload, err := json.Marshal(map[string]any{
			"service":         cfg.Service,
			"collateralAsset": collateral.Symbol(),
			"debtAsset":       debt.Symbol(),
			"operator":        hex.EncodeToString(operator[:]),
			"overseer":        hex.EncodeToString(overseer[:]),
			"vaults":          len(registry.VaultIDs()),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	})

	server := &http.Server{Addr: cfg.ListenAddress, Handler: router}
	go func() {
		logger.Info("listening", slog.String("address", cfg.ListenAddress))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown", slog.String("error", err.Error()))
	}
	if err := store.Checkpoint(registry); err != nil {
		logger.Error("checkpoint vaults", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
}

func mustIdentity(cfg *config.Config, value string) [20]byte {
	addr, err := cfg.Identity(value)
	if err != nil {
		log.Fatalf("identity %q: %v", value, err)
	}
	return addr.Raw()
}

func applyGenesis(cfg *config.Config, collateral, debt *token.Ledger) error {
	genesis, err := config.LoadGenesis(cfg.GenesisFile)
	if err != nil {
		return err
	}
	mint := func(ledger *token.Ledger, allocs []config.GenesisAllocation) error {
		for _, alloc := range allocs {
			addr, err := crypto.DecodeAddress(alloc.Address)
			if err != nil {
				return err
			}
			amount, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Amount), 10)
			if !ok {
				continue
			}
			if err := ledger.Mint(addr.Raw(), amount); err != nil {
				return err
			}
		}
		return nil
	}
	if err := mint(collateral, genesis.Collateral); err != nil {
		return err
	}
	return mint(debt, genesis.Debt)
}
