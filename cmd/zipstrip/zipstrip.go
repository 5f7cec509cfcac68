package main

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	gopkgversion "github.com/zdz1715/appversion"
	"github.com/zdz1715/zipstrip"
)

type Options struct {
	Recursive   bool
	DryRun      bool
	List        bool
	Atomic      bool
	Quiet       bool
	Concurrency int
	Excludes    []string
	Includes    []string
}

func (o *Options) addFlags(flags *pflag.FlagSet) {
	flags.IntVar(&o.Concurrency, "concurrency", runtime.GOMAXPROCS(0), "number of archives to process in parallel")
	flags.BoolVarP(&o.Recursive, "recursive", "r", false, "walk directory arguments and strip every .zip found inside")
	flags.BoolVarP(&o.DryRun, "dry-run", "n", false, "validate and report without rewriting anything")
	flags.BoolVarP(&o.List, "list", "l", false, "list archive entries and the volatile data that would be stripped")
	flags.BoolVarP(&o.Atomic, "atomic", "t", false, "stage changes in a copy and rename it over the original on success")
	flags.BoolVarP(&o.Quiet, "quiet", "q", false, "suppress per-entry progress (errors are still reported)")
	flags.StringSliceVarP(&o.Excludes, "exclude", "x", o.Excludes, "exclude matching archives, e.g. -x 'vendor/**'")
	flags.StringSliceVarP(&o.Includes, "include", "i", o.Includes, "only process matching archives, e.g. -i 'dist/*.zip'")
}

func NewZipstripCommand(ctx context.Context) *cobra.Command {
	ver := gopkgversion.Get()
	opts := &Options{}
	cmd := &cobra.Command{
		Use:           "zipstrip [flags] file.zip [file...]",
		Short:         "strip timestamps and UID/GID data from ZIP archives in place",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s %s", ver.Version, ver.Platform),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || args[0] == "" {
				return cmd.Help()
			}
			return RunStrip(ctx, opts, cmd.OutOrStdout(), cmd.ErrOrStderr(), args)
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func RunStrip(ctx context.Context, opts *Options, stdout, stderr io.Writer, args []string) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr}).With().Timestamp().Logger()
	if opts.Quiet {
		logger = logger.Level(zerolog.WarnLevel)
	}

	skip := zipstrip.SkipPath{
		Includes: opts.Includes,
		Excludes: opts.Excludes,
	}

	archives := args
	if opts.Recursive {
		found, err := zipstrip.FindArchives(args, skip)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return fmt.Errorf("no archives found under %v", args)
		}
		archives = found
		// FindArchives already applied the patterns
		skip = zipstrip.SkipPath{}
	}

	if opts.List {
		for _, name := range archives {
			if skip.Skip(name) {
				continue
			}
			report, err := zipstrip.Inspect(name)
			if err != nil {
				return err
			}
			if err := printList(stdout, report); err != nil {
				return err
			}
		}
		return nil
	}

	// per-entry progress shares the archive logger so --quiet and stream
	// redirection gate both the same way
	after := func(e *zipstrip.Entry) {
		logger.Info().
			Str("entry", e.Name).
			Int("extras", e.StrippedCount()).
			Msg("stripping")
	}

	verb := "stripped"
	if opts.DryRun {
		verb = "validated"
	}

	err := zipstrip.StripAll(ctx, archives, &zipstrip.Options{
		SkipPath:    skip,
		DryRun:      opts.DryRun,
		Atomic:      opts.Atomic,
		Concurrency: opts.Concurrency,
		After:       after,
		AfterArchive: func(r *zipstrip.Report) {
			logger.Info().
				Str("archive", r.Path).
				Int("entries", len(r.Entries)).
				Msg(verb)
		},
	})
	if err != nil {
		logger.Error().Err(err).Msg("strip failed")
	}
	return err
}

func printList(w io.Writer, r *zipstrip.Report) error {
	_, _ = fmt.Fprintf(w, "Archive: %s\n", r.Path)
	_, _ = fmt.Fprintf(w, "Entries: %d\n", len(r.Entries))
	header := []string{"Length", "Method", "Size", "Date", "Time", "CRC-32", "Extras", "Name"}
	data := make([][]string, 0, len(r.Entries))

	var totalExtras int
	for _, e := range r.Entries {
		method := "Stored"
		if e.Method == zip.Deflate {
			method = "Defl:N"
		}
		totalExtras += e.StrippedCount()
		data = append(data, []string{
			strconv.FormatUint(uint64(e.UncompressedSize), 10),
			method,
			strconv.FormatUint(uint64(e.CompressedSize), 10),
			e.Modified().Format("2006-01-02"),
			e.Modified().Format("15:04:05"),
			fmt.Sprintf("%08x", e.CRC32),
			strconv.Itoa(e.StrippedCount()),
			e.Name,
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetRowSeparator("")
	table.SetColumnSeparator("")
	table.SetAlignment(tablewriter.ALIGN_DEFAULT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	table.SetHeader(header)
	table.AppendBulk(data)
	table.Render()

	_, _ = fmt.Fprintf(w, "%d volatile extra records across %d entries\n", totalExtras, len(r.Entries))
	return nil
}

func main() {
	ctx := zipstrip.SetupSignalContext()
	if err := NewZipstripCommand(ctx).Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "zipstrip error: %s\n", err)
		os.Exit(1)
	}
}
