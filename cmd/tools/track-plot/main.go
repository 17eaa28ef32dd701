// track-plot renders recorded track trajectories and suspicion scores
// from a gatewatch recording session as PNG files.
//
// Usage:
//
//	track-plot -db gatewatch.db -list
//	track-plot -db gatewatch.db -session <id> -out plots/
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/sentryline/gatewatch/internal/db"
	"github.com/sentryline/gatewatch/internal/gate/storage/sqlite"
	"github.com/sentryline/gatewatch/internal/security"
)

var (
	dbFile    = flag.String("db", "gatewatch.db", "Path to the SQLite database file")
	sessionID = flag.String("session", "", "Recording session to plot (default: most recent)")
	outDir    = flag.String("out", "plots", "Output directory for PNG files")
	listOnly  = flag.Bool("list", false, "List recorded sessions and exit")
)

func main() {
	flag.Parse()

	gdb, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer gdb.Close()

	sessions, err := sqlite.ListSessions(gdb)
	if err != nil {
		log.Fatalf("Failed to list sessions: %v", err)
	}
	if len(sessions) == 0 {
		log.Fatal("No recorded sessions in database")
	}

	if *listOnly {
		for _, s := range sessions {
			ended := s.EndedAt
			if ended == "" {
				ended = "(open)"
			}
			fmt.Printf("%s  %-12s  %s .. %s\n", s.SessionID, s.StreamName, s.StartedAt, ended)
		}
		return
	}

	id := *sessionID
	if id == "" {
		id = sessions[0].SessionID
		log.Printf("No session given, using most recent: %s", id)
	}

	positions, err := sqlite.LoadTrackPositions(gdb, id)
	if err != nil {
		log.Fatalf("Failed to load track positions: %v", err)
	}
	if len(positions) == 0 {
		log.Fatalf("Session %s has no track positions", id)
	}

	if err := security.ValidateExportPath(*outDir); err != nil {
		log.Fatalf("Refusing output dir: %v", err)
	}
	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("Failed to create output dir: %v", err)
	}

	byTrack := make(map[int64][]sqlite.TrackPosition)
	for _, p := range positions {
		byTrack[p.TrackID] = append(byTrack[p.TrackID], p)
	}
	var trackIDs []int64
	for tid := range byTrack {
		trackIDs = append(trackIDs, tid)
	}
	sort.Slice(trackIDs, func(i, j int) bool { return trackIDs[i] < trackIDs[j] })

	if err := plotTrajectories(id, trackIDs, byTrack); err != nil {
		log.Fatalf("Failed to plot trajectories: %v", err)
	}
	if err := plotScores(id, trackIDs, byTrack); err != nil {
		log.Fatalf("Failed to plot scores: %v", err)
	}
	log.Printf("Wrote plots for %d tracks to %s", len(trackIDs), *outDir)
}

// plotTrajectories draws every track's path in normalized frame
// coordinates. Y is flipped so the plot matches image orientation.
func plotTrajectories(sessionID string, trackIDs []int64, byTrack map[int64][]sqlite.TrackPosition) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Track trajectories, session %.8s", sessionID)
	p.X.Label.Text = "x (normalized)"
	p.Y.Label.Text = "y (normalized, inverted)"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = -1, 0

	colors := generateColors(len(trackIDs))
	for i, tid := range trackIDs {
		samples := byTrack[tid]
		pts := make(plotter.XYs, 0, len(samples))
		for _, s := range samples {
			pts = append(pts, plotter.XY{X: s.X, Y: -s.Y})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("track %d", tid), line)
	}

	p.Legend.Top = true
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	out := filepath.Join(*outDir, fmt.Sprintf("trajectories-%s.png", sessionTag(sessionID)))
	if err := p.Save(10*vg.Inch, 10*vg.Inch, out); err != nil {
		return fmt.Errorf("save trajectory plot: %w", err)
	}
	return nil
}

// plotScores draws suspicion score over time, one line per track.
// Tracks that never score above zero are skipped to keep the legend
// readable.
func plotScores(sessionID string, trackIDs []int64, byTrack map[int64][]sqlite.TrackPosition) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Suspicion scores, session %.8s", sessionID)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Score"
	p.Y.Min, p.Y.Max = 0, 1

	colors := generateColors(len(trackIDs))
	plotted := 0
	for i, tid := range trackIDs {
		samples := byTrack[tid]
		pts := make(plotter.XYs, 0, len(samples))
		scored := false
		for _, s := range samples {
			if s.Score > 0 {
				scored = true
			}
			pts = append(pts, plotter.XY{X: s.TS.Seconds(), Y: s.Score})
		}
		if !scored {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = colors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("track %d", tid), line)
		plotted++
	}
	if plotted == 0 {
		log.Print("No tracks with nonzero scores, skipping score plot")
		return nil
	}

	p.Legend.Top = true
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	out := filepath.Join(*outDir, fmt.Sprintf("scores-%s.png", sessionTag(sessionID)))
	if err := p.Save(14*vg.Inch, 6*vg.Inch, out); err != nil {
		return fmt.Errorf("save score plot: %w", err)
	}
	return nil
}

// sessionTag makes a short filename-safe tag from a session ID, which
// may come straight from the -session flag.
func sessionTag(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return security.SanitizeFilename(id)
}

// generateColors creates a palette of distinct colors for track lines.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
