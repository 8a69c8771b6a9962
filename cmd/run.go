package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spigell/cv-matcher/internal/analysis"
	"github.com/spigell/cv-matcher/internal/export"
	"github.com/spigell/cv-matcher/internal/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Analyze a resume against a job description and print the report",
	Run: func(cmd *cobra.Command, _ []string) {
		run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("resume", "r", "", "path to the candidate resume (PDF)")
	runCmd.Flags().String("job", "", "path to a file with the job description")
	runCmd.Flags().String("job-text", "", "job description text")
	runCmd.Flags().StringP("format", "f", string(export.FormatJSON), "report format: json or xlsx")
	runCmd.Flags().StringP("out", "o", "", "write the report to this file instead of stdout")

	runCmd.MarkFlagRequired("resume")
	runCmd.MarkFlagsMutuallyExclusive("job", "job-text")
	runCmd.MarkFlagsOneRequired("job", "job-text")
}

// run executes a single analysis and writes the report.
func run(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer logger.Sync()

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the cv-matcher", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(redacted(config), "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	format, err := export.ParseFormat(cmd.Flag("format").Value.String())
	if err != nil {
		logger.Fatal("parsing report format", zap.Error(err))
	}

	doc, err := os.ReadFile(cmd.Flag("resume").Value.String())
	if err != nil {
		logger.Fatal("reading resume", zap.Error(err))
	}

	jobDescription, err := readJobDescription(cmd.Flag("job").Value.String(), cmd.Flag("job-text").Value.String())
	if err != nil {
		logger.Fatal("reading job description", zap.Error(err))
	}

	p, err := newPipeline(ctx, config, logger)
	if err != nil {
		logger.Fatal("building pipeline", zap.Error(err))
	}

	report, err := p.Run(ctx, doc, jobDescription)
	if err != nil {
		var stageErr *analysis.StageError
		if errors.As(err, &stageErr) {
			logger.Fatal("analysis failed", zap.String("stage", string(stageErr.Stage)), zap.Error(err))
		}
		logger.Fatal("analysis failed", zap.Error(err))
	}

	if err := writeReport(cmd.Flag("out").Value.String(), cmd.OutOrStdout(), format, report); err != nil {
		logger.Fatal("writing report", zap.Error(err))
	}

	var matched, missing int
	for _, entry := range []analysis.Entry{report.Skills, report.Experience, report.Education} {
		matched += len(entry.Matched)
		missing += len(entry.Missing)
	}

	logger.Info("analysis finished", zap.Int("matched", matched), zap.Int("missing", missing))
}

func readJobDescription(path, text string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return text, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeReport(path string, stdout io.Writer, format export.Format, report *analysis.Report) error {
	if path == "" {
		return export.Write(stdout, format, report)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := export.Write(f, format, report); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// redacted returns a copy of the config that is safe to log.
func redacted(config *Config) Config {
	c := *config
	c.AI.Gemini.APIKey = mask(c.AI.Gemini.APIKey)
	c.Scratch.S3.SecretKey = mask(c.Scratch.S3.SecretKey)
	c.Worker.Documents.SecretKey = mask(c.Worker.Documents.SecretKey)
	c.Worker.AMQPURL = mask(c.Worker.AMQPURL)
	return c
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
