package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"martingrid/api"
	"martingrid/config"
	"martingrid/exchange"
	"martingrid/executor"
	"martingrid/ledger"
	"martingrid/logger"
	"martingrid/market"
	"martingrid/notify"
	"martingrid/store"
	"martingrid/trader"
)

func main() {
	// .env supplies credentials; absence is fine
	_ = godotenv.Load()

	cfg, err := config.Load(configPath())
	if err != nil {
		logger.Fatalf("❌ Configuration: %v", err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		logger.Fatalf("❌ Logger: %v", err)
	}

	logger.Info("🚀 martingrid starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exchange.UseTestnet(cfg.Exchange.Testnet)
	ex := exchange.NewBinance(cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	if err := ex.LoadExchangeInfo(ctx); err != nil {
		logger.Fatalf("❌ Exchange info: %v", err)
	}

	var st *store.Store
	if cfg.DBPath != "" {
		st, err = store.New(cfg.DBPath)
		if err != nil {
			logger.Fatalf("❌ Store: %v", err)
		}
		defer st.Close()
	} else {
		logger.Warn("💾 No db_path configured, running without persistence")
	}

	notifier, err := notify.NewTelegram(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
	if err != nil {
		logger.Warnf("⚠️ Telegram disabled: %v", err)
	}

	signals := market.NewAnalyzer(ex, &cfg.Trend, &cfg.CCI)
	exec := executor.New(ex, &cfg.Exchange, cfg.Risk.CommissionRate)
	lgr := ledger.New()
	bot := trader.New(cfg, ex, exec, signals, lgr, st, notifier)

	// live trade prints keep unrealized PnL current between scan cycles
	stream := market.NewStream("")
	if err := stream.Connect(); err != nil {
		logger.Warnf("⚠️ Market stream unavailable, PnL updates on scan interval only: %v", err)
	} else {
		defer stream.Close()
		stream.OnTick(func(tk market.Tick) {
			lgr.UpdatePrice(tk.Symbol, tk.Price, tk.Time)
		})
		for _, symbol := range cfg.Portfolio.Symbols {
			if err := stream.SubscribeTicks(symbol); err != nil {
				logger.Warnf("⚠️ Tick subscription %s: %v", symbol, err)
			}
		}
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(bot, st, cfg.API.Port)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("❌ Status API: %v", err)
			}
		}()
	}

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("❌ Trading loop: %v", err)
	}

	if server != nil {
		if err := server.Shutdown(); err != nil {
			logger.Warnf("⚠️ Status API shutdown: %v", err)
		}
	}
	logger.Info("🏁 martingrid stopped")
}

func configPath() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	return "config.json"
}
