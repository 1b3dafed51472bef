// Command dvl-track renders the recorded dead-reckoning track to an image.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/banshee-data/dvl.link/internal/config"
	"github.com/banshee-data/dvl.link/internal/db"
	"github.com/banshee-data/dvl.link/internal/trackplot"
)

func render(dbPath, out, title string, limit int) (int, error) {
	store, err := db.OpenDB(dbPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	rows, err := store.RecentPoses(limit)
	if err != nil {
		return 0, fmt.Errorf("failed to read poses: %w", err)
	}
	if title == "" && len(rows) > 0 {
		title = fmt.Sprintf("%s %s to %s", rows[0].FrameID,
			rows[len(rows)-1].Time.Format("15:04:05"), rows[0].Time.Format("15:04:05"))
	}
	return len(rows), trackplot.SavePNG(rows, title, out)
}

func main() {
	dbPath := flag.String("db-path", config.DefaultDBPath, "SQLite database to read")
	out := flag.String("out", "track.png", "Output image (.png, .svg or .pdf)")
	title := flag.String("title", "", "Plot title")
	limit := flag.Int("limit", 10000, "Most recent poses to plot")
	flag.Parse()

	n, err := render(*dbPath, *out, *title, *limit)
	if err != nil {
		log.Fatalf("dvl-track: %v", err)
	}
	log.Printf("wrote %d poses to %s", n, *out)
}
