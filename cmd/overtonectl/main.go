// overtonectl inspects and maintains overtone's saved state.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"overtone/internal/config"
	"overtone/internal/journal"
	"overtone/internal/kit"
	"overtone/internal/logging"
	"overtone/internal/store"
	"overtone/internal/target"
	"overtone/internal/tuning"
)

var (
	configPath = flag.String("config", "", "path to config file")
	jsonOutput = flag.Bool("json", false, "print machine-readable output")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "status":
		cmdStatus()
	case "history":
		cmdHistory(args)
	case "sessions":
		cmdSessions(args)
	case "reset":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: overtonectl reset <drum> <batter|reso>")
			os.Exit(1)
		}
		cmdReset(args[0], args[1])
	case "journal":
		cmdJournal(args)
	case "kit":
		cmdKit(args)
	case "config":
		cmdConfig(args)
	case "logs":
		cmdLogs()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `overtonectl - inspect and maintain overtone state

Usage: overtonectl [options] <command> [args]

Commands:
  status                    Show kit progress and check saved heads
  history [-n N]            Print recent locks
  sessions [-n N]           Print recent sessions
  reset <drum> <head>       Forget a head's saved progress
  journal verify <file>     Check a session journal
  journal list              List session journals
  kit validate <file>       Validate a kit definition
  kit targets [file]        Print the target pitch of every point
  config show [-format f]   Print the effective configuration
  config check              Report configuration problems
  config init               Write a default configuration file
  config migrate            Upgrade the configuration file in place
  logs                      List the log file and its rotated backups
  help                      Show this help message

Options:
  -config <path>  Path to config file (default: ./config.*, then ~/.overtone/config.*)
  -json           Print JSON instead of text`)
}

func resolvedConfigPath() string {
	if *configPath != "" {
		return *configPath
	}
	return config.FindConfigFile()
}

func loadConfig() *config.Config {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func loadKit(cfg *config.Config) (*kit.Kit, string) {
	k, err := kit.Load(cfg.Kit.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading kit: %v\n", err)
		os.Exit(1)
	}
	return k, kitName(k, cfg.Kit.Path)
}

func kitName(k *kit.Kit, path string) string {
	if k.Name != "" {
		return k.Name
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func openStore(cfg *config.Config) *store.Store {
	if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
		fmt.Println("No saved progress found.")
		os.Exit(0)
	}
	s, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	return s
}

func cmdStatus() {
	cfg := loadConfig()
	k, name := loadKit(cfg)
	s := openStore(cfg)
	defer s.Close()

	snaps, err := s.LoadHeads(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	states := make(map[string]tuning.HeadState, len(snaps))
	for _, snap := range snaps {
		states[snap.DrumID+"/"+string(snap.Head)] = snap.State
	}
	progress := tuning.BuildProgress(k, func(drumID string, h kit.Head) (tuning.HeadState, bool) {
		st, ok := states[drumID+"/"+string(h)]
		return st, ok
	})

	problems, err := s.VerifyHeads(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		printJSON(map[string]any{
			"kit":      name,
			"progress": progress,
			"problems": problems,
		})
		return
	}

	fmt.Println("=== overtone Status ===")
	fmt.Println()
	fmt.Printf("Kit:      %s (%d drums)\n", name, len(k.Drums))
	fmt.Printf("Database: %s", cfg.Storage.Path)
	if info, err := os.Stat(cfg.Storage.Path); err == nil {
		fmt.Printf(" (%s)", formatBytes(info.Size()))
	}
	fmt.Println()
	fmt.Println()

	complete := 0
	for _, d := range progress {
		mark := " "
		if d.Complete() {
			mark = "*"
			complete++
		}
		fmt.Printf("%s %-24s batter %s  reso %s\n", mark, d.Label, headSummary(d.Batter), headSummary(d.Reso))
	}
	fmt.Printf("\n%d of %d drums complete\n", complete, len(progress))

	if len(problems) > 0 {
		fmt.Println()
		fmt.Println("Problems:")
		for _, p := range problems {
			fmt.Printf("  %s\n", p)
		}
	}
}

func headSummary(h tuning.HeadProgress) string {
	if h.Locked == 0 {
		return fmt.Sprintf("%2d/%-2d", h.Locked, h.Total)
	}
	return fmt.Sprintf("%2d/%-2d %7.2f Hz ±%.1fc", h.Locked, h.Total, h.AverageHz, h.SpreadCents)
}

func countFlag(name string, args []string) int {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	n := fs.Int("n", 20, "number of entries")
	fs.Parse(args)
	return *n
}

func cmdHistory(args []string) {
	n := countFlag("history", args)
	cfg := loadConfig()
	_, name := loadKit(cfg)
	s := openStore(cfg)
	defer s.Close()

	locks, err := s.RecentLocks(name, n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *jsonOutput {
		printJSON(locks)
		return
	}
	if len(locks) == 0 {
		fmt.Println("No locks recorded.")
		return
	}
	for _, ev := range locks {
		fmt.Printf("%s  %-8s %-6s point %-2d %8.2f Hz  %+6.1f cents\n",
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			ev.DrumID, ev.Head, ev.Point+1, ev.Hz, ev.CentsOffset)
	}
}

func cmdSessions(args []string) {
	n := countFlag("sessions", args)
	cfg := loadConfig()
	s := openStore(cfg)
	defer s.Close()

	sessions, err := s.Sessions(n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *jsonOutput {
		printJSON(sessions)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions recorded.")
		return
	}
	now := time.Now()
	for _, sess := range sessions {
		state := "ended"
		if sess.Active() {
			state = "open"
		}
		fmt.Printf("%s  %-16s %-12s %3d locks  %-10s %s\n",
			sess.StartedAt.Local().Format("2006-01-02 15:04"),
			sess.ID, sess.Kit, sess.Locks,
			sess.Duration(now).Round(time.Second), state)
	}
}

func cmdReset(drumID, head string) {
	h, err := kit.ParseHead(head)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg := loadConfig()
	k, name := loadKit(cfg)
	if _, ok := k.Drum(drumID); !ok {
		fmt.Fprintf(os.Stderr, "Error: kit %s has no drum %q\n", name, drumID)
		os.Exit(1)
	}
	s := openStore(cfg)
	defer s.Close()

	if err := s.DeleteHead(name, drumID, h); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Cleared %s %s.\n", drumID, h)
}

func cmdJournal(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: overtonectl journal <verify <file>|list>")
		os.Exit(1)
	}
	switch args[0] {
	case "verify":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: overtonectl journal verify <file>")
			os.Exit(1)
		}
		verifyJournal(args[1])
	case "list":
		listJournals(loadConfig().Journal.Dir)
	default:
		fmt.Fprintf(os.Stderr, "Unknown journal command: %s\n", args[0])
		os.Exit(1)
	}
}

func verifyJournal(path string) {
	rep, err := journal.Verify(path)
	if *jsonOutput && rep != nil {
		out := map[string]any{"report": rep, "intact": rep.Intact() && err == nil}
		if err != nil {
			out["error"] = err.Error()
		}
		printJSON(out)
		if err != nil || !rep.Intact() {
			os.Exit(1)
		}
		return
	}
	if rep == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Journal:  %s\n", rep.Path)
	fmt.Printf("Session:  %s\n", rep.Header.SessionID)
	fmt.Printf("Created:  %s\n", rep.Header.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Entries:  %d (%d locks, %d sessions)\n", rep.Entries, rep.Locks, rep.Sessions)
	if rep.Entries > 0 {
		fmt.Printf("Span:     %s to %s\n",
			rep.FirstAt.Local().Format(time.RFC3339), rep.LastAt.Local().Format(time.RFC3339))
	}
	fmt.Printf("Verified: %s of %s\n", formatBytes(rep.ValidBytes), formatBytes(rep.FileBytes))
	fmt.Println()

	switch {
	case err != nil:
		fmt.Printf("FAILED: %v\n", err)
		os.Exit(1)
	case !rep.Intact():
		fmt.Printf("FAILED: %d trailing byte(s) do not form a complete entry\n", rep.FileBytes-rep.ValidBytes)
		os.Exit(1)
	default:
		fmt.Println("OK: hash chain intact")
	}
}

func listJournals(dir string) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		fmt.Println("No journals found.")
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	type row struct {
		Name    string    `json:"name"`
		Size    int64     `json:"size"`
		ModTime time.Time `json:"mod_time"`
	}
	var rows []row
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != journal.Extension {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		rows = append(rows, row{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ModTime.After(rows[j].ModTime) })

	if *jsonOutput {
		printJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No journals found.")
		return
	}
	for _, r := range rows {
		fmt.Printf("%s  %10s  %s\n", r.ModTime.Local().Format("2006-01-02 15:04"), formatBytes(r.Size), r.Name)
	}
}

func cmdLogs() {
	cfg := loadConfig()
	if cfg.Logging.Output != "file" && cfg.Logging.Output != "both" {
		fmt.Printf("Logging to %s; no log files are written.\n", cfg.Logging.Output)
		return
	}

	files, err := logging.LogFiles(cfg.Logging.FilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	type row struct {
		Path    string    `json:"path"`
		Size    int64     `json:"size"`
		ModTime time.Time `json:"mod_time"`
	}
	var rows []row
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		rows = append(rows, row{Path: f, Size: info.Size(), ModTime: info.ModTime()})
	}

	if *jsonOutput {
		printJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No log files found.")
		return
	}
	for _, r := range rows {
		fmt.Printf("%s  %10s  %s\n", r.ModTime.Local().Format("2006-01-02 15:04"), formatBytes(r.Size), r.Path)
	}
}

func cmdKit(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: overtonectl kit <validate <file>|targets [file]>")
		os.Exit(1)
	}
	switch args[0] {
	case "validate":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: overtonectl kit validate <file>")
			os.Exit(1)
		}
		k, err := kit.Load(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
		model := modelFor(loadConfig())
		bad := false
		for _, d := range k.Drums {
			if err := model.Check(d); err != nil {
				fmt.Printf("  %s: %v\n", d.ID, err)
				bad = true
			}
		}
		if bad {
			os.Exit(1)
		}
		fmt.Printf("OK: %s (%d drums)\n", kitName(k, args[1]), len(k.Drums))

	case "targets":
		cfg := loadConfig()
		if len(args) >= 2 {
			cfg.Kit.Path = args[1]
		}
		k, _ := loadKit(cfg)
		printTargets(k, modelFor(cfg))

	default:
		fmt.Fprintf(os.Stderr, "Unknown kit command: %s\n", args[0])
		os.Exit(1)
	}
}

func modelFor(cfg *config.Config) *target.Model {
	m, err := cfg.Model()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error in target tables: %v\n", err)
		os.Exit(1)
	}
	return m
}

func printTargets(k *kit.Kit, m *target.Model) {
	type drumTargets struct {
		DrumID string               `json:"drum_id"`
		Heads  map[string][]float64 `json:"heads"`
	}
	var all []drumTargets
	for _, d := range k.Drums {
		dt := drumTargets{DrumID: d.ID, Heads: map[string][]float64{}}
		for _, h := range kit.Heads {
			ts, err := m.Targets(d, h)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %s %s: %v\n", d.ID, h, err)
				os.Exit(1)
			}
			dt.Heads[string(h)] = ts
		}
		all = append(all, dt)
	}

	if *jsonOutput {
		printJSON(all)
		return
	}
	for i, d := range k.Drums {
		fmt.Println(d.String())
		for _, h := range kit.Heads {
			parts := make([]string, 0, len(all[i].Heads[string(h)]))
			for _, hz := range all[i].Heads[string(h)] {
				parts = append(parts, strconv.FormatFloat(hz, 'f', 1, 64))
			}
			fmt.Printf("  %-6s %s\n", h, strings.Join(parts, "  "))
		}
	}
}

func cmdConfig(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: overtonectl config <show|check|init|migrate>")
		os.Exit(1)
	}
	path := resolvedConfigPath()

	switch args[0] {
	case "show":
		fs := flag.NewFlagSet("config show", flag.ExitOnError)
		format := fs.String("format", "toml", "toml, json or yaml")
		fs.Parse(args[1:])
		if *jsonOutput {
			*format = "json"
		}
		data, err := config.Encode(loadConfig(), *format)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			fmt.Println()
		}

	case "check":
		problems := config.CheckConfig(loadConfig())
		for _, w := range problems.Warnings() {
			fmt.Printf("warning: %s\n", w.Error())
		}
		if problems.HasErrors() {
			for _, e := range problems.Errors() {
				fmt.Printf("error:   %s\n", e.Error())
			}
			os.Exit(1)
		}
		fmt.Printf("OK: %s\n", path)

	case "init":
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if created {
			fmt.Printf("Wrote %s\n", path)
		} else {
			fmt.Printf("%s already exists\n", path)
		}

	case "migrate":
		cfg, err := config.LoadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		result, err := config.MigrateConfig(cfg, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if result == nil {
			fmt.Printf("%s is already at version %d\n", path, config.Version)
			return
		}
		if err := config.SaveConfig(cfg, path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Migrated %s from version %d to %d\n", path, result.FromVersion, result.ToVersion)
		if result.Backup != "" {
			fmt.Printf("Backup: %s\n", result.Backup)
		}
		for _, c := range result.Changes {
			fmt.Printf("  %s\n", c)
		}
		for _, w := range result.Warnings {
			fmt.Printf("  warning: %s\n", w)
		}

	default:
		fmt.Fprintf(os.Stderr, "Unknown config command: %s\n", args[0])
		os.Exit(1)
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
