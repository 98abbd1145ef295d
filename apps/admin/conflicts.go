package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/trezcool/mtihani/core"
	"github.com/trezcool/mtihani/core/schedule"
)

// conflicts scans the published schedule and prints the findings.
func (cli *commandLine) conflicts(from, to, severity string) error {
	fromDate, err := time.ParseInLocation("2006-01-02", from, time.UTC)
	if err != nil {
		return fmt.Errorf("-from must be a date in YYYY-MM-DD format (got %q)", from)
	}
	toDate, err := time.ParseInLocation("2006-01-02", to, time.UTC)
	if err != nil {
		return fmt.Errorf("-to must be a date in YYYY-MM-DD format (got %q)", to)
	}

	analyzer := schedule.NewAnalyzer(cli.schedRepo, core.Conf.Schedule)
	report, err := analyzer.Analyze(context.Background(), schedule.Scope{
		From:     fromDate,
		To:       toDate,
		Severity: schedule.Severity(core.CleanString(severity, true /* lower */)),
	})
	if err != nil {
		return err
	}

	for _, f := range report.Findings {
		fmt.Printf(
			"[%s] %s %s: %s (exams: %s)\n",
			strings.ToUpper(string(f.Severity)), f.Date.Format("2006-01-02"), f.Type, f.Description,
			strings.Join(f.ExamIDs, ", "),
		)
	}
	fmt.Printf(
		"\n%d exams analyzed: %d critical, %d warning, %d info\n",
		report.Summary.ExamsAnalyzed, report.Summary.CriticalCount, report.Summary.WarningCount, report.Summary.InfoCount,
	)
	return nil
}
