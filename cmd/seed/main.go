package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"
	"github.com/xtrntr/marketsim/internal/config"
	"github.com/xtrntr/marketsim/internal/db"
	"github.com/xtrntr/marketsim/internal/exchange"
	"github.com/xtrntr/marketsim/internal/kv"
	"go.uber.org/zap"
)

type seedOffer struct {
	instrument string
	price      string
	quantity   int64
}

// one opening book per player, rotated across the instruments
var openingBook = []seedOffer{
	{instrument: "INTC", price: "10.00", quantity: 100},
	{instrument: "MSFT", price: "25.50", quantity: 40},
	{instrument: "AAPL", price: "18.75", quantity: 60},
	{instrument: "IPET", price: "5.10", quantity: 200},
	{instrument: "IBM", price: "12.00", quantity: 80},
}

// Seed the configured durable store with opening offers
func main() {
	envPath := flag.String("env", "", "path to a .env file (defaults to ./.env)")
	players := flag.Int("players", 4, "number of players to seed offers for")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var store exchange.Store
	switch cfg.Store.Driver {
	case config.StorePostgres:
		database, err := db.NewDB(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}
		store = database
	case config.StorePebble:
		pebbleStore, err := kv.Open(cfg.Store.PebbleDir)
		if err != nil {
			log.Fatalf("Failed to open pebble store: %v", err)
		}
		defer pebbleStore.Close()
		store = pebbleStore
	default:
		log.Fatalf("STORE_DRIVER=%s keeps nothing; seed a postgres or pebble store", cfg.Store.Driver)
	}

	// First check if we already have offers
	st, err := store.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load store: %v", err)
	}
	if len(st.Deltas) > 0 {
		fmt.Printf("Store already has %d offer deltas. No need to seed.\n", len(st.Deltas))
		os.Exit(0)
	}

	// Offers go through the engine so IDs, sequences and validation match a live server
	engine := exchange.NewEngine(cfg.Engine, store, zap.NewNop())
	if err := engine.Recover(ctx); err != nil {
		log.Fatalf("Failed to recover engine: %v", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	go engine.Run(runCtx)
	defer func() {
		cancel()
		<-engine.Done()
	}()

	seeded := 0
	for p := 1; p <= *players; p++ {
		seller := fmt.Sprintf("Jugador %d", p)
		for i, o := range openingBook {
			// players start with the same book at slightly different prices
			price := decimal.RequireFromString(o.price).Add(decimal.New(int64((p-1)*(i+1)), -2))
			offer, err := engine.SubmitOffer(ctx, exchange.OfferInput{
				Instrument: o.instrument,
				Price:      price,
				Quantity:   o.quantity,
				Seller:     seller,
			})
			if err != nil {
				log.Printf("Skipping %s offer for %s: %v", o.instrument, seller, err)
				continue
			}
			fmt.Printf("Offer %d: %s %d @ %s by %s\n", offer.ID, offer.Instrument, offer.Quantity, offer.Price.StringFixed(2), offer.Seller)
			seeded++
		}
	}

	fmt.Printf("Successfully seeded the store with %d offers!\n", seeded)
}
