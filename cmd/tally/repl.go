package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ergochat/readline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/medprepa/tally"
	"github.com/medprepa/tally/aggregate"
	"github.com/medprepa/tally/rebuild"
	"github.com/medprepa/tally/record"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("aggs"),
	readline.PcItem("count"),
	readline.PcItem("rebuild"),
	readline.PcItem("resume"),
	readline.PcItem("status"),
	readline.PcItem("runs"),
	readline.PcItem("seed"),
	readline.PcItem("dump",
		readline.PcItem("rows"),
		readline.PcItem("entries"),
		readline.PcItem("runs"),
	),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const replHelp = `commands:
  aggs                          list aggregate definitions
  count <agg> <ns> [from] [to]  derived count, bounds RFC3339 or raw
  rebuild [scope]               start a repair run, system when omitted
  resume <run id>               pick an interrupted run back up
  status <run id>               one run's persisted state
  runs [n]                      recent runs, newest first
  seed                          write a small demo dataset
  dump [rows|entries|runs]      raw store contents
  exit
`

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "interactive console over a local store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			eng, err := tally.Open(cfg.Data.Dir, engineOptions(cfg))
			if err != nil {
				return err
			}
			defer eng.Close()
			return repl(eng)
		},
	}
}

func repl(eng *tally.Tally) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:          "∑ ",
		HistoryFile:     filepath.Join(os.TempDir(), "tally_repl.tmp"),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer l.Close()
	l.CaptureExitSignal()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			}
			continue
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		if cmd == "exit" || cmd == "quit" {
			break
		}
		if err = replCommand(eng, cmd, args); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error executing %s: %s\n", cmd, err.Error())
		}
	}
	return nil
}

func replCommand(eng *tally.Tally, cmd string, args []string) error {
	ctx := context.Background()
	switch cmd {
	case "help":
		fmt.Print(replHelp)
	case "aggs":
		for _, d := range eng.Aggregates() {
			fmt.Printf("%-28s  %-8s  %s\n", d.Name, d.Category, d.Table)
		}
	case "count":
		if len(args) < 2 {
			return errors.New("usage: count <aggregate> <namespace> [from] [to]")
		}
		var rng aggregate.Range
		if len(args) > 2 {
			rng.From = sortKey(args[2])
		}
		if len(args) > 3 {
			rng.To = sortKey(args[3])
		}
		n, err := eng.Count(ctx, args[0], args[1], rng)
		if err != nil {
			return err
		}
		fmt.Println(n)
	case "rebuild":
		scope := rebuild.SystemScope()
		if len(args) > 0 {
			var err error
			if scope, err = rebuild.ParseScope(args[0]); err != nil {
				return err
			}
		}
		rid, err := eng.StartRebuild(scope)
		if err != nil {
			return err
		}
		fmt.Println(rid)
	case "resume":
		if len(args) != 1 {
			return errors.New("usage: resume <run id>")
		}
		rid, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		return eng.ResumeRebuild(rid)
	case "status":
		if len(args) != 1 {
			return errors.New("usage: status <run id>")
		}
		rid, err := uuid.Parse(args[0])
		if err != nil {
			return err
		}
		run, err := eng.RebuildStatus(rid)
		if err != nil {
			return err
		}
		printRun(os.Stdout, run)
	case "runs":
		limit := 16
		if len(args) > 0 {
			var err error
			if limit, err = strconv.Atoi(args[0]); err != nil {
				return errors.New("usage: runs [n]")
			}
		}
		runs, err := eng.RebuildRuns(limit)
		if err != nil {
			return err
		}
		for _, run := range runs {
			printRun(os.Stdout, run)
		}
	case "seed":
		return seedDemo(ctx, eng)
	case "dump":
		what := "all"
		if len(args) > 0 {
			what = args[0]
		}
		switch what {
		case "all":
			eng.DumpAll(os.Stdout)
		case "rows":
			eng.DumpRows(os.Stdout)
		case "entries":
			eng.DumpEntries(os.Stdout)
		case "runs":
			eng.DumpRuns(os.Stdout)
		default:
			return errors.Errorf("dump what? rows, entries or runs, not %q", what)
		}
	default:
		return errors.Errorf("command unknown: %s", cmd)
	}
	return nil
}

// seedDemo writes a small dataset to play with: one tenant, one taxonomy
// branch, three users, a dozen questions plus answers and bookmarks.
func seedDemo(ctx context.Context, eng *tally.Tally) error {
	tenant := record.ID(1)
	theme, err := eng.AddTheme(ctx, tenant, "cardiology")
	if err != nil {
		return err
	}
	sub, err := eng.AddSubtheme(ctx, theme, "arrhythmia")
	if err != nil {
		return err
	}
	grp, err := eng.AddGroup(ctx, sub, "ecg reading")
	if err != nil {
		return err
	}
	names := []string{"ada", "grace", "edsger"}
	users := make([]record.ID, 0, len(names))
	for _, name := range names {
		u, err := eng.AddUser(ctx, tenant, name)
		if err != nil {
			return err
		}
		users = append(users, u)
	}
	questions := make([]record.ID, 0, 12)
	for i := 0; i < 12; i++ {
		q := record.Question{Tenant: tenant, Theme: theme, Code: fmt.Sprintf("DEMO-%04d", i+1)}
		if i%2 == 0 {
			q.Subtheme = sub
		}
		if i%4 == 0 {
			q.Group = grp
		}
		id, err := eng.AddQuestion(ctx, &q)
		if err != nil {
			return err
		}
		questions = append(questions, id)
	}
	for ui, u := range users {
		for qi, q := range questions {
			if (qi+ui)%2 == 1 {
				continue
			}
			if err := eng.SubmitAnswer(ctx, u, q, (qi+ui)%3 != 0, time.Time{}); err != nil {
				return err
			}
		}
		if err := eng.AddBookmark(ctx, u, questions[ui], time.Time{}); err != nil {
			return err
		}
	}
	fmt.Printf("seeded tenant=%s theme=%s subtheme=%s group=%s questions=%d\n",
		tenant, theme, sub, grp, len(questions))
	for i, u := range users {
		fmt.Printf("user %s = u:%s\n", names[i], u)
	}
	fmt.Printf("try: count questions_by_theme t:%s, count answered_by_user u:%s\n",
		theme, users[0])
	return nil
}
