package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"gridflow/config"
	"gridflow/internal/book"
	"gridflow/internal/codec"
	"gridflow/internal/engine"
	"gridflow/internal/journal"
	"gridflow/internal/rate"
	"gridflow/internal/session"
	"gridflow/logger"
	"gridflow/models"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/gridflow.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Gridflow.Name,
		"version": cfg.Gridflow.Version,
		"symbol":  cfg.Trading.Symbol,
	}).Info("starting gridflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch("", cfg.Logging.Namespace, cfg.Logging.DashboardName)
	}

	priceEps, err := decimal.NewFromString(cfg.Trading.PriceEpsilon)
	if err != nil {
		log.WithError(err).Error("invalid trading.price_epsilon")
		os.Exit(1)
	}
	qtyEps, err := decimal.NewFromString(cfg.Trading.QtyEpsilon)
	if err != nil {
		log.WithError(err).Error("invalid trading.qty_epsilon")
		os.Exit(1)
	}
	orderQty, err := decimal.NewFromString(cfg.Trading.OrderQty)
	if err != nil {
		log.WithError(err).Error("invalid trading.order_qty")
		os.Exit(1)
	}

	budget := rate.NewBudget(cfg.RateLimit.MaxCounter, cfg.RateLimit.DecayPerSecond, cfg.RateLimit.Headroom)
	eng := engine.New(engine.Config{
		Symbol:         cfg.Trading.Symbol,
		Slots:          cfg.Trading.Slots,
		PriceEpsilon:   priceEps,
		QtyEpsilon:     qtyEps,
		PendingTimeout: cfg.Trading.PendingTimeout,
	}, budget)

	mirror := book.NewMirror(cfg.Trading.Symbol, 3)

	tokens := session.NewTokenClient(session.TokenConfig{
		URL:         cfg.Rest.TokenURL,
		Key:         cfg.Rest.APIKey,
		Secret:      cfg.Rest.APISecret,
		TTL:         cfg.Rest.TokenTTL,
		MaxAttempts: cfg.Rest.TokenMaxAttempts,
		Timeout:     cfg.Rest.Timeout,
	})

	priv := session.NewPrivateSession(session.PrivateConfig{
		URL:               cfg.Websocket.PrivateURL,
		DeadmanTimeout:    cfg.Websocket.DeadmanTimeout,
		HeartbeatInterval: cfg.Websocket.HeartbeatInterval,
		BackoffSteps:      cfg.Websocket.BackoffSchedule,
	}, tokens)

	pub := session.NewPublicSession(session.PublicConfig{
		URL:          cfg.Websocket.PublicURL,
		Symbol:       cfg.Trading.Symbol,
		BookDepth:    cfg.Websocket.BookDepth,
		BackoffSteps: cfg.Websocket.BackoffSchedule,
		// Only the book channel has a consumer here; strategy layers
		// that want trade ticks add the channel and a listener.
		Channels: []string{models.ChannelBook},
	})

	// Market data feeds the book mirror; checksum desync triggers a
	// fresh book subscription.
	pub.OnChannel(models.ChannelBook, func(msg *models.ChannelMessage) {
		books, err := codec.DecodeBookData(msg.Data)
		if err != nil {
			log.WithComponent("main").WithError(err).Warn("bad book payload")
			return
		}
		for _, b := range books {
			if b.Symbol != cfg.Trading.Symbol {
				continue
			}
			if msg.Type == "snapshot" {
				err = mirror.ApplySnapshot(b)
			} else {
				err = mirror.ApplyUpdate(b)
			}
			if err != nil {
				log.WithComponent("main").WithError(err).Warn("book apply failed")
			}
		}
	})
	mirror.OnResync(pub.RequestBookResync)

	// Command acknowledgements and executions drive the slot engine.
	priv.OnReply(eng.HandleMethodReply)
	priv.OnExecution(eng.OnExecutionEvent)
	priv.OnExecutionSnapshot(func(events []models.ExecutionEvent) {
		orphans := eng.ReconcileSnapshot(openOrdersFromSnapshot(cfg.Trading.Symbol, events), events)
		if len(orphans) == 0 {
			return
		}
		log.WithComponent("main").WithFields(logger.Fields{"orders": orphans}).Warn("cancelling orphaned orders")
		if err := priv.Send(models.MethodCancelOrder, 0, models.CancelOrderParams{OrderID: orphans}); err != nil {
			log.WithComponent("main").WithError(err).Warn("orphan cancel failed")
		}
	})

	var jr *journal.Journal
	if cfg.Journal.Enabled {
		jr, err = journal.New(cfg)
		if err != nil {
			log.WithError(err).Error("Failed to initialize journal")
			os.Exit(1)
		}
		eng.OnFill(jr.RecordFill)
		if err := jr.Start(ctx); err != nil {
			log.WithError(err).Error("Failed to start journal")
			os.Exit(1)
		}
	}

	if err := priv.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start private session")
		os.Exit(1)
	}
	if err := pub.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start public session")
		priv.Stop()
		os.Exit(1)
	}

	tickCtx, tickCancel := context.WithCancel(ctx)
	tickerDone := make(chan struct{})
	go runTicks(tickCtx, cfg, eng, mirror, priv, orderQty, tickerDone)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-priv.Done():
		if err := priv.Err(); err != nil {
			log.WithError(err).Error("private session terminated")
		}
	}

	// Shutdown order matters: stop issuing commands, then disarm the
	// exchange-side auto-cancel while the shared context is still
	// valid, then cancel everything else and drain the journal.
	tickCancel()
	<-tickerDone
	priv.Stop()
	pub.Stop()
	cancel()
	if jr != nil {
		jr.Stop()
	}
	log.Info("gridflow stopped")
}

// runTicks is the decision loop: each tick derives desired levels from
// the book mirror and walks every slot through DecideAction.
func runTicks(ctx context.Context, cfg *config.Config, eng *engine.Engine, mirror *book.Mirror, priv *session.PrivateSession, orderQty decimal.Decimal, done chan<- struct{}) {
	defer close(done)
	log := logger.GetLogger().WithComponent("tick_loop")

	ticker := time.NewTicker(cfg.Trading.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n := eng.ExpireStuckCancels(); n > 0 {
			log.WithFields(logger.Fields{"slots": n}).Warn("expired stuck cancels")
		}

		if !mirror.Valid() {
			continue
		}
		mid := mirror.MidPrice()
		if mid.IsZero() {
			continue
		}

		levels := gridLevels(mid, cfg.Trading.Slots, cfg.Trading.SpacingBps, cfg.Trading.PriceDecimals, orderQty)
		for idx := 0; idx < eng.NumSlots(); idx++ {
			act := eng.DecideAction(idx, levels[idx])

			var cmd engine.Command
			var err error
			switch act.Kind {
			case engine.ActionNoop:
				continue
			case engine.ActionAdd:
				cmd, err = eng.PrepareAdd(idx, act)
			case engine.ActionAmend:
				cmd, err = eng.PrepareAmend(idx, act)
			case engine.ActionCancel:
				cmd, err = eng.PrepareCancel(idx, act)
			}
			if errors.Is(err, engine.ErrBudgetExhausted) {
				// Budget recovers by decay; pick the slot up next tick.
				break
			}
			if err != nil {
				log.WithError(err).WithFields(logger.Fields{"slot": idx}).Warn("command preparation failed")
				continue
			}
			if err := priv.Send(cmd.Method, cmd.ReqID, cmd.Params); err != nil {
				// The slot stays pending; the stale-pending rule
				// recovers it if the ack never comes.
				log.WithError(err).WithFields(logger.Fields{"slot": idx, "method": cmd.Method}).Warn("command send failed")
			}
		}
	}
}

// gridLevels is the static level source: half the slots bid below mid,
// half offer above, at fixed basis-point spacing. It exists to make the
// binary runnable end to end; strategy layers replace it.
func gridLevels(mid decimal.Decimal, slots int, spacingBps float64, priceDecimals int32, qty decimal.Decimal) []*models.DesiredLevel {
	levels := make([]*models.DesiredLevel, slots)
	step := decimal.NewFromFloat(spacingBps / 10000.0)
	half := slots / 2
	one := decimal.NewFromInt(1)

	for i := 0; i < slots; i++ {
		var side models.Side
		var price decimal.Decimal
		if i < half {
			side = models.Buy
			rank := decimal.NewFromInt(int64(half - i))
			price = mid.Mul(one.Sub(step.Mul(rank)))
		} else {
			side = models.Sell
			rank := decimal.NewFromInt(int64(i - half + 1))
			price = mid.Mul(one.Add(step.Mul(rank)))
		}
		levels[i] = &models.DesiredLevel{
			Price: price.Round(priceDecimals),
			Qty:   qty,
			Side:  side,
		}
	}
	return levels
}

// openOrdersFromSnapshot converts the executions-channel snapshot into
// the open-order view reconciliation expects. Entries already in a
// terminal state are left for the trade-history side of the match.
func openOrdersFromSnapshot(symbol string, events []models.ExecutionEvent) []models.OpenOrder {
	var open []models.OpenOrder
	for _, ev := range events {
		if ev.Symbol != "" && ev.Symbol != symbol {
			continue
		}
		switch ev.OrderStatus {
		case "new", "partially_filled":
		default:
			continue
		}
		open = append(open, models.OpenOrder{
			OrderID:    ev.OrderID,
			ClOrdID:    ev.ClOrdID,
			Symbol:     ev.Symbol,
			Side:       ev.Side,
			LimitPrice: ev.LimitPrice,
			OrderQty:   ev.OrderQty,
			CumQty:     ev.CumQty,
		})
	}
	return open
}
