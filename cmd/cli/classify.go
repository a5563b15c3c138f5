package cli

import (
	"encoding/json"
	"errors"

	"remedy/internal/config"
	"remedy/internal/models"
	"remedy/internal/services"

	"github.com/spf13/cobra"
)

var (
	flagSubject     string
	flagDescription string
	flagRequester   string
)

// classifyReport 离线试跑结果
type classifyReport struct {
	Classification services.Classification `json:"classification"`
	Plan           *services.Plan          `json:"plan,omitempty"`
	Decision       *services.Decision      `json:"decision,omitempty"`
	Outcome        string                  `json:"outcome"`
}

// classifyCmd runs classification, diagnosis and the policy gate without touching the database.
var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Dry-run the pipeline's decision for a ticket text",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		report, err := dryRun(cfg, services.ClassifyInput{
			Subject:        flagSubject,
			Description:    flagDescription,
			RequesterEmail: flagRequester,
		})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	rootCmd.AddCommand(classifyCmd)
	classifyCmd.Flags().StringVar(&flagSubject, "subject", "", "ticket subject")
	classifyCmd.Flags().StringVar(&flagDescription, "description", "", "ticket description")
	classifyCmd.Flags().StringVar(&flagRequester, "requester", "", "requester email")
	_ = classifyCmd.MarkFlagRequired("subject")
}

func dryRun(cfg *config.Config, in services.ClassifyInput) (*classifyReport, error) {
	policies := services.DefaultPolicies()
	if cfg.Automation.PolicyFile != "" {
		loaded, err := services.LoadPolicyFile(cfg.Automation.PolicyFile)
		if err != nil {
			return nil, err
		}
		policies = loaded
	}

	report := &classifyReport{}
	report.Classification = services.NewClassifier(cfg.Automation.MinConfidence).Classify(in)
	if report.Classification.Category == models.CategoryUnclassified {
		report.Outcome = string(models.TicketManualQueue)
		return report, nil
	}

	plan, err := services.NewDiagnosisEngine().Diagnose(report.Classification.Category, report.Classification.Entities, report.Classification.Priority)
	if errors.Is(err, services.ErrNoPlanAvailable) {
		report.Outcome = string(models.TicketManualQueue)
		return report, nil
	}
	if err != nil {
		return nil, err
	}
	report.Plan = plan

	var policy *models.AutomationPolicy
	for i := range policies {
		if policies[i].Category == plan.Category {
			policy = &policies[i]
			break
		}
	}
	decision := services.NewPolicyEvaluator().Evaluate(plan, policy)
	report.Decision = &decision
	if decision.AutoExecute {
		report.Outcome = string(models.TicketInProgress)
	} else {
		report.Outcome = string(models.TicketAwaitingApproval)
	}
	return report, nil
}
