// Command janitor-vcs serves and inspects the codebase repositories of the
// janitor and the merge proposal admission state.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"janitor/api"
	"janitor/config"
	"janitor/proposals"
	"janitor/ratelimit"
	"janitor/vcs"
)

// Version is the janitor-vcs version.
var Version = "0.1.0"

var (
	configPath string
	kindName   string
	matchGlob  string

	proposalCodebase string
	proposalBucket   string
	proposalStatus   string
)

var rootCmd = &cobra.Command{
	Use:           "janitor-vcs",
	Short:         "Access the janitor's codebase repositories",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve local repositories as a VCS store",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the codebases that have a repository",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var branchCmd = &cobra.Command{
	Use:   "branch <codebase> <branch>",
	Short: "Show the last revision of a codebase branch",
	Args:  cobra.ExactArgs(2),
	RunE:  runBranch,
}

var diffCmd = &cobra.Command{
	Use:   "diff <codebase> <old-revid> <new-revid>",
	Short: "Print the diff between two revisions",
	Long: `Print the unified diff between two revisions of a codebase.

Revisions are revision ids: "git-v1:<sha>" for git, the bzr revision id for
bzr, and "null:" for the empty revision.`,
	Args: cobra.ExactArgs(3),
	RunE: runDiff,
}

var revisionInfoCmd = &cobra.Command{
	Use:   "revision-info <codebase> <old-revid> <new-revid>",
	Short: "List the revisions between two revisions as JSON",
	Args:  cobra.ExactArgs(3),
	RunE:  runRevisionInfo,
}

var openBranchCmd = &cobra.Command{
	Use:   "open-branch <url>",
	Short: "Open a branch URL and classify any failure",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpenBranch,
}

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Merge proposal tracking commands",
}

var proposalsRecordCmd = &cobra.Command{
	Use:   "record <url>",
	Short: "Record a merge proposal and its status",
	Args:  cobra.ExactArgs(1),
	RunE:  runProposalsRecord,
}

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Merge proposal admission commands",
}

var ratelimitCheckCmd = &cobra.Command{
	Use:   "check <bucket>",
	Short: "Check whether a bucket may open another merge proposal",
	Args:  cobra.ExactArgs(1),
	RunE:  runRatelimitCheck,
}

var ratelimitStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-bucket admission statistics",
	Args:  cobra.NoArgs,
	RunE:  runRatelimitStats,
}

var ratelimitWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep reloading proposal counts into the rate limiter",
	Args:  cobra.NoArgs,
	RunE:  runRatelimitWatch,
}

func init() {
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	rootCmd.PersistentFlags().AddGoFlagSet(klogFlags)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (default: environment only)")

	for _, cmd := range []*cobra.Command{listCmd, branchCmd, diffCmd, revisionInfoCmd} {
		cmd.Flags().StringVar(&kindName, "vcs", "git", "VCS kind: git or bzr")
	}
	listCmd.Flags().StringVar(&matchGlob, "match", "", "Only list codebases matching this glob")
	openBranchCmd.Flags().StringVar(&kindName, "vcs", "git", "VCS kind: git or bzr")

	proposalsRecordCmd.Flags().StringVar(&proposalCodebase, "codebase", "", "Codebase the proposal was opened for")
	proposalsRecordCmd.Flags().StringVar(&proposalBucket, "bucket", "", "Rate limit bucket (maintainer) of the proposal")
	proposalsRecordCmd.Flags().StringVar(&proposalStatus, "status", string(ratelimit.StatusOpen), "Proposal status")
	proposalsRecordCmd.MarkFlagRequired("codebase")
	proposalsCmd.AddCommand(proposalsRecordCmd)

	ratelimitCmd.AddCommand(ratelimitCheckCmd, ratelimitStatsCmd, ratelimitWatchCmd)

	rootCmd.AddCommand(serveCmd, listCmd, branchCmd, diffCmd, revisionInfoCmd, openBranchCmd, proposalsCmd, ratelimitCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.FromEnv()
		return cfg, cfg.Validate()
	}
	return config.Load(configPath)
}

// managerFor returns the configured manager for the --vcs kind.
func managerFor(cfg *config.Config) (vcs.Manager, error) {
	kind, err := vcs.ParseKind(kindName)
	if err != nil {
		return nil, err
	}
	managers, err := vcs.ManagersFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	m, ok := managers[kind]
	if !ok {
		return nil, fmt.Errorf("no %s location configured", kind)
	}
	return m, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	managers, err := vcs.ManagersFromConfig(cfg)
	if err != nil {
		return err
	}
	if len(managers) == 0 {
		return errors.New("no VCS locations configured")
	}
	for kind, m := range managers {
		if _, ok := m.(interface{ BasePath() string }); !ok {
			return fmt.Errorf("%s location must be a local directory to be served: %v", kind, m)
		}
		klog.Infof("serving %s repositories from %v", kind, m)
	}

	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     api.WithDefaults(api.NewRouter(managers, cfg), cfg.RequestTimeout),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		klog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("shutdown error: %v", err)
		}
	}()

	klog.Infof("janitor-vcs %s listening on %s", Version, cfg.Listen)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	<-done
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := managerFor(cfg)
	if err != nil {
		return err
	}
	names, err := listRepositories(m, matchGlob)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func runBranch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := managerFor(cfg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	b, err := m.GetBranch(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("branch %s of %s not available at %s", args[1], args[0], m.GetBranchURL(args[0], args[1]))
	}
	rev, err := b.LastRevision(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", vcs.BranchKind(b), b.URL(), rev)
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := managerFor(cfg)
	if err != nil {
		return err
	}
	diff, err := m.GetDiff(cmd.Context(), args[0], vcs.RevisionID(args[1]), vcs.RevisionID(args[2]))
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(diff)
	return err
}

func runRevisionInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := managerFor(cfg)
	if err != nil {
		return err
	}
	infos, err := m.GetRevisionInfo(cmd.Context(), args[0], vcs.RevisionID(args[1]), vcs.RevisionID(args[2]))
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), infos)
}

func runOpenBranch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	kind, err := vcs.ParseKind(kindName)
	if err != nil {
		return err
	}
	opener, err := vcs.NewBranchOpener(kind, nil)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	b, err := vcs.OpenBranchExt(ctx, opener, vcs.NewClassifier(cfg.LegacyHosts), args[0])
	if err != nil {
		var failure *vcs.BranchOpenFailure
		if errors.As(err, &failure) && failure.RetryAfter != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "retry after: %s\n", *failure.RetryAfter)
		}
		return err
	}
	rev, err := b.LastRevision(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", b.URL(), rev)
	return nil
}

func runProposalsRecord(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	status, err := ratelimit.ParseProposalStatus(proposalStatus)
	if err != nil {
		return err
	}
	store, err := proposals.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.Record(cmd.Context(), proposals.Proposal{
		URL:      args[0],
		Codebase: proposalCodebase,
		Bucket:   proposalBucket,
		Status:   status,
	})
}

// loadLimiter builds the configured limiter and loads one snapshot into it.
func loadLimiter(ctx context.Context, cfg *config.Config) (*proposals.Refresher, func() error, error) {
	limiter, err := ratelimit.New(cfg.RateLimit)
	if err != nil {
		return nil, nil, err
	}
	store, err := proposals.Open(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	r := &proposals.Refresher{Source: store, Limiter: limiter, Interval: cfg.RateLimit.RefreshInterval}
	if err := r.Refresh(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return r, store.Close, nil
}

func runRatelimitCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, closeStore, err := loadLimiter(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	status := r.Limiter.CheckAllowed(args[0])
	fmt.Fprintln(cmd.OutOrStdout(), status)
	if maxOpen, ok := r.Limiter.GetMaxOpen(args[0]); ok {
		fmt.Fprintf(cmd.OutOrStdout(), "max open: %d\n", maxOpen)
	}
	return nil
}

func runRatelimitStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	r, closeStore, err := loadLimiter(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	stats := r.Limiter.GetStats()
	if stats == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "no statistics available")
		return nil
	}
	return writeJSON(cmd.OutOrStdout(), stats.PerBucket)
}

func runRatelimitWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	r, closeStore, err := loadLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	klog.Infof("reloading merge proposal counts every %s", cfg.RateLimit.RefreshInterval)
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	err := rootCmd.Execute()
	klog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
