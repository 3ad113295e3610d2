package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	internal_http "github.com/weddingflo/automation/internal/http"
	"github.com/weddingflo/automation/internal/log"
	internal_storage "github.com/weddingflo/automation/internal/storage"
	"github.com/weddingflo/automation/pkg/models"
	"github.com/weddingflo/automation/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and the job workers",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			port, _ := cmd.Flags().GetString("port")
			workers, _ := cmd.Flags().GetInt("workers")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc := service.NewAutomationService(ctx, store, service.LoggingCollaborators(log.GetLogger()), log.GetLogger())
			svc.StartWorkers(workers)
			defer svc.StopWorkers()

			go func() {
				if err := internal_http.StartServer(port, svc); err != nil {
					log.GetLogger().Errorf("Server stopped: %v", err)
					stop()
				}
			}()
			<-ctx.Done()
			log.GetLogger().Infof("Shutting down, draining workers")
		},
	}
	serveCmd.Flags().String("port", "8080", "HTTP port for the admin API")
	serveCmd.Flags().Int("workers", 0, "Number of job workers (0 = CPU count)")

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Run job workers without the admin API",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			workers, _ := cmd.Flags().GetInt("workers")

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc := service.NewAutomationService(ctx, store, service.LoggingCollaborators(log.GetLogger()), log.GetLogger())
			svc.StartWorkers(workers)
			defer svc.StopWorkers()
			<-ctx.Done()
			log.GetLogger().Infof("Shutting down, draining workers")
		},
	}
	workerCmd.Flags().Int("workers", 0, "Number of job workers (0 = CPU count)")

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Create a workflow definition from a YAML file",
		Run: func(cmd *cobra.Command, args []string) {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				fmt.Fprintln(os.Stderr, "Error: --file is required")
				os.Exit(1)
			}
			wf, err := LoadDefinitionFile(file)
			if err != nil {
				log.GetLogger().Errorf("Failed to load definition: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			svc := newService(cmd, store)
			id, err := svc.CreateWorkflow(wf)
			if err != nil {
				log.GetLogger().Errorf("Failed to create workflow: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Created workflow '%s' with ID %d\n", wf.Name, id)
		},
	}
	applyCmd.Flags().StringP("file", "f", "", "Path to the workflow YAML file")

	workflowsCmd := &cobra.Command{
		Use:   "workflows",
		Short: "List workflow definitions for a tenant",
		Run: func(cmd *cobra.Command, args []string) {
			tenant, _ := cmd.Flags().GetString("tenant")
			if tenant == "" {
				fmt.Fprintln(os.Stderr, "Error: --tenant is required")
				os.Exit(1)
			}
			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			svc := newService(cmd, store)
			workflows, err := svc.ListWorkflows(tenant)
			if err != nil {
				log.GetLogger().Errorf("Failed to list workflows: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(workflows) == 0 {
				fmt.Fprintln(os.Stdout, "No workflows found.")
				return
			}
			for _, wf := range workflows {
				fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Trigger: %s, Active: %v, Created: %s\n",
					wf.ID, wf.Name, wf.TriggerKind, wf.Active, wf.CreatedAt.Format(time.RFC3339))
			}
		},
	}
	workflowsCmd.Flags().String("tenant", "", "Tenant ID")

	executionsCmd := &cobra.Command{
		Use:   "executions [workflow-id]",
		Short: "List executions of a workflow",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing workflow id: %v\n", err)
				os.Exit(1)
			}
			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			svc := newService(cmd, store)
			executions, err := svc.ListExecutions(id)
			if err != nil {
				log.GetLogger().Errorf("Failed to list executions: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(executions) == 0 {
				fmt.Fprintln(os.Stdout, "No executions found.")
				return
			}
			for _, e := range executions {
				line := fmt.Sprintf("- ID: %s, Status: %s, Position: %d, Subject: %s/%s",
					e.ID, e.Status, e.CurrentPosition, e.SubjectKind, e.SubjectID)
				if e.ResumeAt != nil {
					line += ", ResumeAt: " + e.ResumeAt.Format(time.RFC3339)
				}
				if e.ErrorMsg != "" {
					line += ", Error: " + e.ErrorMsg
				}
				fmt.Fprintln(os.Stdout, line)
			}
		},
	}

	triggerCmd := &cobra.Command{
		Use:   "trigger",
		Short: "Dispatch a trigger event against a tenant's workflows",
		Run: func(cmd *cobra.Command, args []string) {
			tenant, _ := cmd.Flags().GetString("tenant")
			kind, _ := cmd.Flags().GetString("kind")
			subjectKind, _ := cmd.Flags().GetString("subject-kind")
			subjectID, _ := cmd.Flags().GetString("subject-id")
			payloadJSON, _ := cmd.Flags().GetString("payload")

			payload := map[string]any{}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					fmt.Fprintf(os.Stderr, "Error parsing payload: %v\n", err)
					os.Exit(1)
				}
			}

			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			svc := newService(cmd, store)
			ids, err := svc.OnEvent(tenant, models.TriggerKind(kind), payload,
				models.SubjectRef{Kind: subjectKind, ID: subjectID})
			if err != nil {
				log.GetLogger().Errorf("Failed to dispatch event: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(ids) == 0 {
				fmt.Fprintln(os.Stdout, "No workflows matched.")
				return
			}
			for _, id := range ids {
				fmt.Fprintf(os.Stdout, "Started execution %s\n", id)
			}
		},
	}
	triggerCmd.Flags().String("tenant", "", "Tenant ID")
	triggerCmd.Flags().String("kind", "", "Trigger kind, e.g. stage_change")
	triggerCmd.Flags().String("subject-kind", "", "Subject entity kind, e.g. client")
	triggerCmd.Flags().String("subject-id", "", "Subject entity ID")
	triggerCmd.Flags().String("payload", "", "Event payload as JSON")

	cancelCmd := &cobra.Command{
		Use:   "cancel [execution-id]",
		Short: "Cancel a running or waiting execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			svc := newService(cmd, store)
			if err := svc.CancelExecution(args[0]); err != nil {
				log.GetLogger().Errorf("Failed to cancel execution: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Cancelled execution %s\n", args[0])
		},
	}

	logCmd := &cobra.Command{
		Use:   "log [execution-id]",
		Short: "Show the step log of an execution",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(mustDBFlag(cmd))
			defer store.Close()
			svc := newService(cmd, store)
			entries, err := svc.GetExecutionLog(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to read execution log: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			for _, entry := range entries {
				line := fmt.Sprintf("- %s %s '%s' -> %s",
					entry.LoggedAt.Format(time.RFC3339), entry.StepKind, entry.StepName, entry.Outcome)
				if entry.Message != "" {
					line += ": " + entry.Message
				}
				if entry.ErrorMsg != "" {
					line += " (error: " + entry.ErrorMsg + ")"
				}
				fmt.Fprintln(os.Stdout, line)
			}
		},
	}

	rootCmd.AddCommand(serveCmd, workerCmd, applyCmd, workflowsCmd, executionsCmd, triggerCmd, cancelCmd, logCmd)
}

func newService(cmd *cobra.Command, store *internal_storage.PostgresStore) *service.AutomationService {
	return service.NewAutomationService(cmd.Context(), store, service.LoggingCollaborators(log.GetLogger()), log.GetLogger())
}

func mustDBFlag(cmd *cobra.Command) string {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if dbConnStr == "" {
		dbConnStr = os.Getenv("DATABASE_URL")
	}
	if dbConnStr == "" {
		fmt.Fprintln(os.Stderr, "Error: --db flag or DATABASE_URL is required")
		os.Exit(1)
	}
	return dbConnStr
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
