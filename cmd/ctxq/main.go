// Command ctxq ingests documents and queries the hierarchy from a terminal,
// against the same store and index the server uses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/dgallion1/ctxgest/internal/app"
	"github.com/dgallion1/ctxgest/internal/config"
	"github.com/dgallion1/ctxgest/internal/doctree"
	"github.com/dgallion1/ctxgest/internal/extract"
	"github.com/dgallion1/ctxgest/internal/pipeline"
	"github.com/dgallion1/ctxgest/internal/search"
)

var (
	bold  = color.New(color.Bold).SprintFunc()
	cyan  = color.New(color.FgCyan, color.Bold).SprintFunc()
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed, color.Bold).SprintFunc()
	faint = color.New(color.Faint).SprintFunc()
)

const usage = `usage: ctxq [-config file] [-v] <command> [args]

commands:
  ingest [-title t] [-force] <file>...   parse, chunk, embed and store files
  docs                                   list stored documents
  section <id>                           print a section tree
  retrieve <chunk-id>...                 promote chunk ids into passages
  search [-k n] <query>                  vector search, then promote
  ask <question>                         answer a question over the store
`

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	verbose := flag.Bool("v", false, "log pipeline progress to stderr")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *verbose, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, verbose bool, cmd string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	if verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	switch cmd {
	case "ingest":
		return ingest(ctx, a, log, args)
	case "docs":
		return listDocs(ctx, a)
	case "section":
		if len(args) != 1 {
			return errors.New("section takes exactly one id")
		}
		return showSection(ctx, a, args[0])
	case "retrieve":
		return retrieve(ctx, a, args)
	case "search":
		return searchQuery(ctx, a, args)
	case "ask":
		return ask(ctx, a, strings.Join(args, " "))
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func ingest(ctx context.Context, a *app.App, log *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	title := fs.String("title", "", "document title (single file only)")
	force := fs.Bool("force", false, "ingest even when identical content is stored")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("ingest needs at least one file")
	}

	w := pipeline.NewWorker(a.PipelineDeps(), log, a.ChunkConfig(), a.Config.MaxConcurrentExtract, a.Config.PDFFallbackPdftotext)
	failed := 0
	for _, path := range fs.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		job := pipeline.NewJob(doctree.NewID(), doctree.NewID(), filepath.Base(path), *title, data)
		job.Force = *force
		w.Process(ctx, job)

		snap := job.Snapshot()
		switch snap.Status {
		case pipeline.StatusCompleted:
			fmt.Printf("%s %s  doc %s  %d sections, %d chunks\n",
				green("ingested"), bold(snap.Filename), snap.DocID, snap.Progress.Sections, snap.Progress.Chunks)
		case pipeline.StatusDupSkipped:
			fmt.Printf("%s %s  already stored as %s\n", faint("skipped"), bold(snap.Filename), snap.ExistingDocID)
		default:
			failed++
			fmt.Printf("%s %s  %s: %s\n", red("failed"), bold(snap.Filename), snap.Phase, strings.Join(snap.Progress.Errors, "; "))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, fs.NArg())
	}
	return nil
}

func listDocs(ctx context.Context, a *app.App) error {
	docs, err := a.Store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	for _, d := range docs {
		fmt.Printf("%s  %s  %s\n", d.ID, bold(d.Title), faint(fmt.Sprintf("%s, %d sections, %d chunks", d.Filename, d.Sections, d.Chunks)))
	}
	return nil
}

func showSection(ctx context.Context, a *app.App, id string) error {
	sec, err := a.Store.GetSection(ctx, id)
	if err != nil {
		return err
	}
	fmt.Println(cyan("section"), sec.ID)
	for _, p := range sec.Paragraphs {
		fmt.Printf("  %s %s %s\n", cyan("paragraph"), p.ID, faint(fmt.Sprintf("#%d", p.SectionIndex)))
		for _, c := range p.Chunks {
			fmt.Printf("    %s %s %s\n", faint(fmt.Sprintf("[%d]", c.ParagraphIndex)), c.ID, faint(string(c.Type)))
			fmt.Printf("      %s\n", c.Text)
		}
	}
	return nil
}

func retrieve(ctx context.Context, a *app.App, ids []string) error {
	passages, err := a.Engine.Retrieve(ctx, ids)
	if err != nil {
		return err
	}
	printPassages(passages)
	return nil
}

func searchQuery(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	k := fs.Int("k", a.Config.TopNRetrieval, "number of chunks to retrieve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(query) == "" {
		return errors.New("search needs a query")
	}

	vecs, err := a.Embedder.Embed(ctx, []string{query})
	if err != nil {
		return err
	}
	hits, err := a.Searcher.Search(ctx, vecs[0], *k)
	if err != nil {
		return err
	}
	hits = search.FilterByScore(hits, float32(a.Config.MinScore))
	for _, h := range hits {
		fmt.Printf("%s %s\n", faint(fmt.Sprintf("%.3f", h.Score)), h.ChunkID)
	}
	return retrieve(ctx, a, search.ChunkIDs(hits))
}

func ask(ctx context.Context, a *app.App, question string) error {
	if a.Answerer == nil {
		return errors.New("ask needs ANTHROPIC_API_KEY")
	}
	ans, err := a.Answerer.Answer(ctx, []extract.Message{{Role: "user", Content: question}})
	if err != nil {
		return err
	}
	fmt.Println(cyan("Answer:"), ans.Answer)
	if ans.UsedRetrieval {
		fmt.Println()
		printPassages(ans.Passages)
	}
	return nil
}

func printPassages(passages []string) {
	for i, p := range passages {
		fmt.Println(bold(fmt.Sprintf("--- passage %d ---", i+1)))
		fmt.Println(p)
	}
}
