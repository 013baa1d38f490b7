package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/accredit/internal/api"
	"github.com/kalambet/accredit/internal/catalog"
	"github.com/kalambet/accredit/internal/config"
	"github.com/kalambet/accredit/internal/logger"
)

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage evidence documents",
}

var documentsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an evidence document",
	Long: `Register an evidence document.

Examples:
  accredit documents add --file ./assessment-plan.pdf --category assessment
  accredit documents add --text "Board minutes approving the budget" --title "Minutes"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := buildDocumentRequest(cmd)
		if err != nil {
			return err
		}

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/documents", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Registered document %s (%s)", result["id"], result["mime_type"])
		fmt.Println(result["id"])
		return nil
	},
}

func buildDocumentRequest(cmd *cobra.Command) (map[string]any, error) {
	text, _ := cmd.Flags().GetString("text")
	file, _ := cmd.Flags().GetString("file")
	objectKey, _ := cmd.Flags().GetString("object-key")
	title, _ := cmd.Flags().GetString("title")
	category, _ := cmd.Flags().GetString("category")
	mimeType, _ := cmd.Flags().GetString("mime-type")

	set := 0
	for _, v := range []string{text, file, objectKey} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of --text, --file or --object-key is required")
	}

	req := map[string]any{}
	if title != "" {
		req["title"] = title
	}
	if category != "" {
		req["category"] = category
	}
	if mimeType != "" {
		req["mime_type"] = mimeType
	}

	switch {
	case text != "":
		req["text"] = text
	case objectKey != "":
		req["object_key"] = objectKey
	default:
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		req["content_base64"] = base64.StdEncoding.EncodeToString(data)
		if title == "" {
			req["title"] = filepath.Base(file)
		}
	}
	return req, nil
}

func addDocumentFlags(cmd *cobra.Command) {
	cmd.Flags().String("text", "", "plain-text content")
	cmd.Flags().String("file", "", "file to upload (pdf, docx, html or text)")
	cmd.Flags().String("object-key", "", "key of a blob you uploaded, under evidence/<user-id>/")
	cmd.Flags().String("title", "", "document title")
	cmd.Flags().String("category", "", "evidence category, e.g. assessment")
	cmd.Flags().String("mime-type", "", "override content type detection")
}

func init() {
	addDocumentFlags(documentsAddCmd)
	documentsCmd.AddCommand(documentsAddCmd)
}

// --- analyze ---

type jobView struct {
	JobID            string `json:"job_id"`
	DocumentID       string `json:"document_id"`
	Accreditor       string `json:"accreditor"`
	Depth            string `json:"analysis_depth"`
	Status           string `json:"status"`
	Progress         int    `json:"progress"`
	StageDescription string `json:"stage_description"`
	Error            string `json:"error"`
	Results          *struct {
		Summary struct {
			StandardsMatched   int     `json:"standards_matched"`
			AvgConfidence      float64 `json:"avg_confidence"`
			GapsIdentified     int     `json:"gaps_identified"`
			CoveragePercentage float64 `json:"coverage_percentage"`
			TotalStandards     int     `json:"total_standards"`
		} `json:"summary"`
		Mappings []struct {
			StandardCode string  `json:"standard_code"`
			Title        string  `json:"standard_title"`
			Confidence   float64 `json:"confidence"`
			Strength     string  `json:"evidence_strength"`
		} `json:"mappings"`
	} `json:"results"`
}

func (j jobView) terminal() bool {
	return j.Status == "completed" || j.Status == "failed"
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <document-id>",
	Short: "Analyze a document against an accreditor's standards",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accreditor, _ := cmd.Flags().GetString("accreditor")
		depth, _ := cmd.Flags().GetString("depth")
		wait, _ := cmd.Flags().GetBool("wait")
		if accreditor == "" {
			return errors.New("--accreditor is required")
		}

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs", map[string]string{
			"document_id":    args[0],
			"accreditor":     accreditor,
			"analysis_depth": depth,
		})
		if err != nil {
			return err
		}
		var created jobView
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		printSuccess("Job %s %s", created.JobID, created.Status)
		if !wait {
			fmt.Println(created.JobID)
			return nil
		}

		job, err := waitForJob(cmd.Context(), client, created.JobID, time.Second)
		if err != nil {
			return err
		}
		printJob(job)
		if job.Status == "failed" {
			return fmt.Errorf("job failed: %s", job.Error)
		}
		return nil
	},
}

func waitForJob(ctx context.Context, client *apiClient, jobID string, interval time.Duration) (jobView, error) {
	lastProgress := -1
	for {
		job, err := fetchJob(ctx, client, jobID)
		if err != nil {
			return jobView{}, err
		}
		if job.Progress != lastProgress {
			printStep("%3d%% %s", job.Progress, job.StageDescription)
			lastProgress = job.Progress
		}
		if job.terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return jobView{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func fetchJob(ctx context.Context, client *apiClient, jobID string) (jobView, error) {
	resp, err := client.get(ctx, "/jobs/"+url.PathEscape(jobID))
	if err != nil {
		return jobView{}, err
	}
	var job jobView
	if err := decodeJSON(resp, &job); err != nil {
		return jobView{}, err
	}
	return job, nil
}

func printJob(j jobView) {
	printStatus("Job", "%s", j.JobID)
	printStatus("Status", "%s (%d%%)", colorize(levelColor(j.Status), j.Status), j.Progress)
	if j.Error != "" {
		printStatus("Error", "%s", j.Error)
	}
	if j.Results == nil {
		return
	}
	s := j.Results.Summary
	printStatus("Matched", "%d of %d standards", s.StandardsMatched, s.TotalStandards)
	printStatus("Coverage", "%.1f%%", s.CoveragePercentage)
	printStatus("Avg confidence", "%.3f", s.AvgConfidence)
	printStatus("Gaps", "%d", s.GapsIdentified)
	for _, m := range j.Results.Mappings {
		fmt.Printf("  %-12s %.2f  %-8s %s\n", m.StandardCode, m.Confidence, colorize(strengthColor(m.Strength), m.Strength), m.Title)
	}
}

func strengthColor(s string) string {
	switch s {
	case "strong":
		return colorGreen
	case "moderate":
		return colorYellow
	default:
		return colorRed
	}
}

func init() {
	analyzeCmd.Flags().String("accreditor", "", "accreditor id")
	analyzeCmd.Flags().String("depth", "standard", "quick, standard, detailed or comprehensive")
	analyzeCmd.Flags().Bool("wait", false, "wait for the job to finish and print results")
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect or cancel analysis jobs",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job's status and results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		job, err := fetchJob(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		var job jobView
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printSuccess("Cancelled job %s", job.JobID)
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobShowCmd, jobCancelCmd)
}

// --- mappings ---

var mappingsCmd = &cobra.Command{
	Use:   "mappings <accreditor>",
	Short: "List evidence mappings for an accreditor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, _ := cmd.Flags().GetString("standard")
		asJSON, _ := cmd.Flags().GetBool("json")

		q := url.Values{"accreditor": {args[0]}}
		if code != "" {
			q.Set("standard_code", code)
		}

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/mappings?"+q.Encode())
		if err != nil {
			return err
		}

		var result struct {
			Mappings []struct {
				DocumentTitle string  `json:"document_title"`
				StandardID    string  `json:"standard_id"`
				StandardCode  string  `json:"standard_code"`
				Confidence    float64 `json:"confidence"`
				Strength      string  `json:"evidence_strength"`
				IsVerified    bool    `json:"is_verified"`
			} `json:"mappings"`
			Summary map[string]any `json:"summary"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, result)
		}

		if len(result.Mappings) == 0 {
			fmt.Println("No mappings found.")
			return nil
		}
		for _, m := range result.Mappings {
			mark := " "
			if m.IsVerified {
				mark = colorize(colorGreen, "✓")
			}
			fmt.Printf("%s %-12s %.2f  %-8s %s\n", mark, m.StandardCode, m.Confidence,
				colorize(strengthColor(m.Strength), m.Strength), m.DocumentTitle)
		}
		printStatus("Covered", "%v of %v standards (%v%%)",
			result.Summary["standards_covered"], result.Summary["total_standards"], result.Summary["coverage_rate"])
		return nil
	},
}

func init() {
	mappingsCmd.Flags().String("standard", "", "restrict to one standard code")
	mappingsCmd.Flags().Bool("json", false, "print raw JSON")
}

// --- verify ---

var verifyCmd = &cobra.Command{
	Use:   "verify <document-id> <standard-id>",
	Short: "Mark a mapping as verified by a reviewer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/mappings/verify", map[string]string{
			"document_id": args[0],
			"standard_id": args[1],
		})
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Verified %s against %s", args[0], args[1])
		return nil
	},
}

// --- snapshot ---

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <accreditor>",
	Short: "Show the compliance snapshot for an accreditor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient(cmd)
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/compliance/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var snap struct {
			OverallScore      float64            `json:"overall_score"`
			CoverageRate      float64            `json:"coverage_rate"`
			PerCategoryScores map[string]float64 `json:"per_category_scores"`
			GapCount          int                `json:"gap_count"`
			RequiredCount     int                `json:"required_count"`
			RiskLevel         string             `json:"risk_level"`
			Standards         []struct {
				Code  string  `json:"code"`
				Title string  `json:"title"`
				Level string  `json:"compliance_level"`
				Score float64 `json:"compliance_score"`
			} `json:"standards"`
		}
		if err := decodeJSON(resp, &snap); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, snap)
		}

		printStatus("Overall score", "%.2f", snap.OverallScore)
		printStatus("Coverage", "%.1f%%", snap.CoverageRate)
		printStatus("Gaps", "%d of %d required", snap.GapCount, snap.RequiredCount)
		printStatus("Risk", "%s", colorize(levelColor(snap.RiskLevel), snap.RiskLevel))
		for cat, score := range snap.PerCategoryScores {
			printStatus("  "+cat, "%.2f", score)
		}
		for _, s := range snap.Standards {
			fmt.Printf("  %-12s %-8s %6.2f  %s\n", s.Code, colorize(levelColor(s.Level), s.Level), s.Score, s.Title)
		}
		return nil
	},
}

func init() {
	snapshotCmd.Flags().Bool("json", false, "print raw JSON")
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Import or list accreditation standards",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a standards catalog (the built-in one when no file is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		path := ""
		if len(args) == 1 {
			path = args[0]
		}
		f, err := loadCatalog(path)
		if err != nil {
			return err
		}

		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		n, err := catalog.Import(cmd.Context(), store, f)
		if err != nil {
			return err
		}
		printSuccess("Imported %d standards from %s", n, catalogSource(path))
		return nil
	},
}

var catalogListCmd = &cobra.Command{
	Use:   "list [accreditor]",
	Short: "List accreditors, or the standards of one accreditor",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		if len(args) == 0 {
			accs, err := store.ListAccreditors(cmd.Context())
			if err != nil {
				return err
			}
			if len(accs) == 0 {
				fmt.Println("No accreditors imported. Run `accredit catalog import`.")
				return nil
			}
			for _, a := range accs {
				fmt.Println(a)
			}
			return nil
		}

		category, _ := cmd.Flags().GetString("category")
		search, _ := cmd.Flags().GetString("search")
		standards, err := store.ListStandards(cmd.Context(), args[0], category, search)
		if err != nil {
			return err
		}
		for _, s := range standards {
			indent := ""
			if s.ParentID != "" {
				indent = "  "
			}
			fmt.Printf("%s%-10s %-14s %s\n", indent, colorize(colorBold, s.Code), s.Category, s.Title)
		}
		return nil
	},
}

func init() {
	catalogListCmd.Flags().String("category", "", "filter by category")
	catalogListCmd.Flags().String("search", "", "filter by text in code, title or description")
	catalogCmd.AddCommand(catalogImportCmd, catalogListCmd)
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token signed with the configured JWT secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		inst, _ := cmd.Flags().GetString("institution")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.RequireJWTSecret(); err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = cfg.Auth.TTL()
		}

		tok, exp, err := api.GenerateToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, user, inst, ttl, time.Now())
		if err != nil {
			return err
		}
		printSuccess("Token for %s@%s expires %s", user, inst, exp.Format(time.RFC3339))
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "user id (token subject)")
	tokenCmd.Flags().String("institution", "", "institution id")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	tokenCmd.MarkFlagRequired("user")
	tokenCmd.MarkFlagRequired("institution")
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the analysis tools over MCP (stdio)",
	Long: `Serve the analysis tools over the MCP stdio transport.

Every tool call acts as the given user and institution. Queued jobs are
processed by an in-process worker pool.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		inst, _ := cmd.Flags().GetString("institution")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		done := make(chan error, 1)
		go func() { done <- a.runner.Run(ctx) }()

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			App:      a.deps,
			Identity: api.Principal{UserID: user, InstitutionID: inst},
		})
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		stop()
		if runErr := <-done; runErr != nil && err == nil {
			err = runErr
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func init() {
	mcpCmd.Flags().String("user", "", "user id the tools act as")
	mcpCmd.Flags().String("institution", "", "institution id the tools act as")
	mcpCmd.MarkFlagRequired("user")
	mcpCmd.MarkFlagRequired("institution")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration and where each value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := config.Describe()
		if err != nil {
			return err
		}

		fmt.Printf("Config file: %s\n\n", config.FilePath())
		for _, k := range keys {
			source := k.Source
			if k.Source == config.SourceEnv {
				source = k.EnvVar
			}
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, "("+source+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file.\n\nValid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a value from the config file so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}
