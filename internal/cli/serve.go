package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/elissabot/elissa/internal/attach"
	"github.com/elissabot/elissa/internal/config"
	"github.com/elissabot/elissa/internal/db"
	"github.com/elissabot/elissa/internal/engine"
	"github.com/elissabot/elissa/internal/logging"
	"github.com/elissabot/elissa/internal/messenger"
	"github.com/elissabot/elissa/internal/models"
	"github.com/elissabot/elissa/internal/scheduler"
	"github.com/elissabot/elissa/internal/script"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversation daemon",
	Long: `Loads the script, recovers pending wait timers, and starts
consuming transport events. Runs until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := logging.Component("serve")

	scriptText, program, err := loadScript(cfg.ScriptPath)
	if err != nil {
		return err
	}
	logger.Info().
		Str("script", cfg.ScriptPath).
		Int("instructions", program.Len()).
		Msg("script compiled")

	if err := os.MkdirAll(cfg.AttachmentDir(), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	store, err := db.Open(cfg.Database())
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Migrate(ctx); err != nil {
		return err
	}

	conversations := db.NewConversationRepository(store)
	timers := db.NewTimerRepository(store)

	rpc, err := messenger.Dial(cfg.SocketPath)
	if err != nil {
		return err
	}
	defer rpc.Close()
	chatmail := messenger.NewChatmail(rpc)
	outbound := messenger.NewThrottle(chatmail, messenger.ThrottleConfig{
		MessagesPerSecond: cfg.Throttle.MessagesPerSecond,
		Burst:             cfg.Throttle.Burst,
	})

	sched := scheduler.New(scheduler.Config{RetryInterval: cfg.Scheduler.RetryInterval}, timers)
	eng := engine.New(
		scriptText,
		program,
		store,
		conversations,
		timers,
		sched,
		outbound,
		buildAttachments(cfg, conversations),
		buildRecipients(cfg),
		engine.Options{},
	)
	sched.SetResume(eng.OnTimerFired)

	// Every suspended conversation is re-armed before the first
	// transport event is consumed.
	recovered, err := sched.RecoverAll(ctx)
	if err != nil {
		return fmt.Errorf("recover timers: %w", err)
	}
	logger.Info().Int("timers", recovered).Msg("recovered pending waits")

	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	logger.Info().Str("bot", cfg.BotName).Str("socket", cfg.SocketPath).Msg("daemon running")

	err = chatmail.Pump(ctx, eng)
	if ctx.Err() != nil {
		logger.Info().Msg("shutting down")
		return nil
	}
	return err
}

// loadScript reads and compiles the conversation script, rendering
// compile errors with their instruction index.
func loadScript(path string) (string, script.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", script.Program{}, fmt.Errorf("read script: %w", err)
	}
	text := string(data)

	program, err := script.Compile(text)
	if err != nil {
		return "", script.Program{}, fmt.Errorf("compile %s: %w", path, err)
	}
	return text, program, nil
}

// buildAttachments registers the attachment resolvers the notify
// command can reference. Kinds without a resolver report
// nothing-available at runtime.
func buildAttachments(cfg *config.Config, conversations *db.ConversationRepository) *attach.Registry {
	registry := attach.NewRegistry()
	registry.Register("chat_log.txt", attach.ChatLog(conversations, cfg.AttachmentDir()))
	registry.Register("last-text", attach.LastMessage(conversations, models.MessageKindText))
	registry.Register("last-voice", attach.LastMessage(conversations, models.MessageKindVoice))
	registry.Register("last-image", attach.LastMessage(conversations, models.MessageKindImage))
	return registry
}

func buildRecipients(cfg *config.Config) engine.RecipientDirectory {
	recipients := engine.StaticRecipients{}
	if cfg.Admin.Configured() {
		recipients["admin"] = cfg.Admin.Key()
	}
	return recipients
}
