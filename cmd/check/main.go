// Command check validates a configuration file offline: maturity tokens,
// addresses, strategy bounds, and (given a spot price) the strike ladder a
// market would start from. No network access.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"option-range-bot/internal/config"
	"option-range-bot/internal/expiry"
	"option-range-bot/internal/strikes"
	"option-range-bot/internal/ticks"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	spot := flag.Float64("spot", 0, "optional spot price to preview the generated strike ladder")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	now := time.Now().UTC()

	fmt.Printf("config ok: %d market(s)\n", len(cfg.Markets))
	fmt.Printf("delta band (%g, %g), spread %g, width multiplier %g\n",
		cfg.Strategy.MinDelta, cfg.Strategy.MaxDelta,
		cfg.Strategy.DefaultSpread, cfg.Strategy.RangeWidthMultiplier)
	fmt.Printf("legal tick widths: %v\n", ticks.LegalWidths())

	for _, m := range cfg.Markets {
		fmt.Printf("\nmarket %s (base %s, quote %s)\n", m.Name, m.Base, m.Quote)
		for _, token := range m.Maturities {
			maturity, err := expiry.Parse(token)
			if err != nil {
				fatal(err)
			}
			fmt.Printf("  %s settles %s (%.1f days, %.4f years)\n",
				token,
				maturity.Format(time.RFC3339),
				expiry.DaysUntil(maturity, now),
				expiry.YearsUntil(maturity, now),
			)
		}
		switch {
		case len(m.CallStrikes) > 0 || len(m.PutStrikes) > 0:
			fmt.Printf("  explicit strikes: calls %v, puts %v\n", m.CallStrikes, m.PutStrikes)
		case *spot > 0:
			ladder := strikes.Ladder(*spot)
			fmt.Printf("  candidate ladder at spot %g (%d strikes, delta filter applied at startup): %v\n",
				*spot, len(ladder), ladder)
		default:
			fmt.Println("  strikes auto-generated at startup (pass -spot to preview)")
		}
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
