package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grclabs/grcradar/internal/models"
)

var analyzeJSON bool

var analyzeCmd = &cobra.Command{
	Use:   "analyze [comprehensive|patterns|emerging]",
	Short: "Run one gap analysis inline and print the recommendations",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "print the full result as JSON")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	kindArg := string(models.AnalysisComprehensive)
	if len(args) == 1 {
		kindArg = args[0]
	}
	kind, err := models.ParseAnalysisKind(kindArg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	result, err := svc.detector.Analyze(ctx, kind)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	if analyzeJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	fmt.Printf("Analysis %s generated %d recommendation(s)\n\n", result.Kind, len(result.Recommendations))
	for _, rec := range result.Recommendations {
		fmt.Printf("[%s] %s\n", rec.Priority, rec.Title)
		fmt.Printf("    confidence %.0f%%  kind %s  entity %s/%s\n", rec.Confidence*100, rec.Kind, rec.EntityType, rec.EntityID)
		fmt.Printf("    %s\n\n", rec.Rationale)
	}
	if len(result.RiskOutlook) > 0 {
		fmt.Println("Risk outlook:")
		for id, class := range result.RiskOutlook {
			fmt.Printf("    %s: %s mitigated-risk outcome\n", id, class)
		}
	}
	return nil
}
