package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/brettbedarf/spattach"
	"github.com/brettbedarf/spattach/config"
	"github.com/brettbedarf/spattach/internal/util"
	"github.com/brettbedarf/spattach/metrics"
	"github.com/brettbedarf/spattach/repository"
	"github.com/brettbedarf/spattach/requests"
	"github.com/brettbedarf/spattach/token"
)

// errOperationFailed signals a failed Outcome that was already printed
var errOperationFailed = errors.New("operation failed")

// CLI holds flag values shared by all commands
type CLI struct {
	verbose     int
	configPath  string
	contextPath string
	headers     []string

	baseURL   string
	listTitle string
	listID    string
	itemID    int
	fileName  string

	out    io.Writer // Outcome JSON
	errOut io.Writer // logs
}

// NewRootCommand creates the root cobra command
func NewRootCommand() *cobra.Command {
	return newRootCommand(&CLI{out: os.Stdout, errOut: os.Stderr})
}

func newRootCommand(cli *CLI) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spattach",
		Short: "List and delete SharePoint list item attachments",
		Long: `spattach lists and deletes attachments on SharePoint list items through the REST API.

It tries every plausible endpoint shape for the deployment in turn, retries
throttled calls with backoff and manages the request digest for deletes.
The result is printed to stdout as a JSON envelope; logs go to stderr.

EXAMPLES:
  spattach list --base-url https://contoso.sharepoint.com/sites/hr --list-title "Leave Requests" --item-id 7
  spattach delete --context ctx.yaml --file "doctor's note.pdf" -H "Authorization: Bearer $TOKEN"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().IntVarP(&cli.verbose, "verbose", "v", config.InfoVerbose,
		"Log verbosity level between 1 (error) and 5 (trace)")
	rootCmd.PersistentFlags().StringVarP(&cli.configPath, "config", "c", "", "Path to a YAML or JSON config file")
	rootCmd.PersistentFlags().StringVar(&cli.contextPath, "context", "", "Path to a YAML or JSON operation context file")
	rootCmd.PersistentFlags().StringArrayVarP(&cli.headers, "header", "H", nil,
		"Extra request header as 'Name: value' (repeatable)")
	rootCmd.PersistentFlags().StringVar(&cli.baseURL, "base-url", "", "Site URL, e.g. https://contoso.sharepoint.com/sites/hr")
	rootCmd.PersistentFlags().StringVar(&cli.listTitle, "list-title", "", "List title")
	rootCmd.PersistentFlags().StringVar(&cli.listID, "list-id", "", "List GUID")
	rootCmd.PersistentFlags().IntVar(&cli.itemID, "item-id", 0, "List item id")

	rootCmd.AddCommand(newListCommand(cli))
	rootCmd.AddCommand(newDeleteCommand(cli))

	return rootCmd
}

func newListCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the attachments of a list item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cli.run(cmd, spattach.OpListAttachments)
		},
	}
}

func newDeleteCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete one attachment from a list item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cli.run(cmd, spattach.OpDeleteAttachment)
		},
	}
	cmd.Flags().StringVarP(&cli.fileName, "file", "f", "", "Attachment file name")
	return cmd
}

func (cli *CLI) run(cmd *cobra.Command, op spattach.Operation) error {
	cfg, err := cli.loadConfig(cmd)
	if err != nil {
		return err
	}
	util.InitializeLoggerTo(cli.errOut, cfg.LogLvl)
	logger := util.GetLogger("main")

	req, err := cli.loadRequest(cmd, op)
	if err != nil {
		return err
	}
	logger.Debug().Str("requestID", req.ID).Str("operation", string(req.Operation)).
		Interface("context", req.Context).Msg("Request loaded")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	client := &http.Client{Timeout: cfg.RequestTimeout}
	tokens := token.New(client, cfg, token.WithMetrics(m))
	repo := repository.New(cfg,
		repository.WithHTTPClient(client),
		repository.WithTokenSource(tokens),
		repository.WithMetrics(m),
	)

	var outcome spattach.Outcome
	switch req.Operation {
	case spattach.OpDeleteAttachment:
		outcome = repo.DeleteAttachment(cmd.Context(), req.Context)
		logDigest(logger, tokens, req.Context.BaseURL)
	default:
		outcome = repo.ListAttachments(cmd.Context(), req.Context)
	}
	logMetrics(logger, reg)

	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return err
	}

	if !outcome.Success {
		logger.Error().Str("requestID", req.ID).Str("kind", string(outcome.Error.Kind)).
			Int("status", outcome.Error.Status).Msg(outcome.Error.Message)
		return errOperationFailed
	}
	logger.Info().Str("requestID", req.ID).Str("operation", string(req.Operation)).
		Int("attachments", len(outcome.Value)).Msg("Operation succeeded")
	return nil
}

// loadConfig layers the config file, -v and -H flags over the defaults
func (cli *CLI) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if cli.configPath != "" {
		var err error
		if cfg, err = config.NewConfigFromFile(cli.configPath); err != nil {
			return nil, err
		}
	}

	override := &config.ConfigOverride{}
	if cmd.Flags().Changed("verbose") || cli.configPath == "" {
		override.LogLvl = util.Pointer(cli.verbose)
	}
	headers, err := parseHeaders(cli.headers)
	if err != nil {
		return nil, err
	}
	override.Headers = headers
	cfg.Merge(override)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRequest layers the operation flags over the --context file
func (cli *CLI) loadRequest(cmd *cobra.Command, op spattach.Operation) (*requests.OperationRequest, error) {
	dto := &requests.OperationRequestDTO{}
	if cli.contextPath != "" {
		var err error
		if dto, err = requests.LoadDTOFile(cli.contextPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()
	fromFlags := &requests.OperationRequestDTO{}
	if flags.Changed("base-url") {
		fromFlags.BaseURL = util.Pointer(cli.baseURL)
	}
	if flags.Changed("list-title") {
		fromFlags.ListTitle = util.Pointer(cli.listTitle)
	}
	if flags.Changed("list-id") {
		fromFlags.ListID = util.Pointer(cli.listID)
	}
	if flags.Changed("item-id") {
		fromFlags.ItemID = util.Pointer(requests.ItemID(cli.itemID))
	}
	if flags.Changed("file") {
		fromFlags.FileName = util.Pointer(cli.fileName)
	}
	dto.Merge(fromFlags)

	// the subcommand decides the operation
	dto.Operation = util.Pointer(string(op))
	return requests.Convert(dto, op)
}

func parseHeaders(raw []string) (map[string]string, error) {
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected 'Name: value'", h)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

// logDigest reports the cached form digest state for baseURL at debug level
func logDigest(logger util.Logger, tokens *token.Cache, baseURL string) {
	event := logger.Debug()
	if !tokens.HasValid(baseURL) {
		event.Str("baseURL", baseURL).Msg("No usable form digest cached")
		return
	}
	event.Str("baseURL", baseURL).Time("expires", tokens.Expiry(baseURL)).Msg("Form digest cached")
}

// logMetrics prints counter totals at debug level
func logMetrics(logger util.Logger, reg *prometheus.Registry) {
	event := logger.Debug()
	if !event.Enabled() {
		return
	}
	families, err := reg.Gather()
	if err != nil {
		event.Err(err).Msg("Failed to gather metrics")
		return
	}
	for _, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				total += c.GetValue()
			}
		}
		event = event.Float64(mf.GetName(), total)
	}
	event.Msg("Metrics")
}
