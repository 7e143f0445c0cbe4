package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/vango-go/argonauts-live/pkg/backend"
	"github.com/vango-go/argonauts-live/pkg/config"
	"github.com/vango-go/argonauts-live/pkg/guide/detect"
	"github.com/vango-go/argonauts-live/pkg/guide/live"
	"github.com/vango-go/argonauts-live/pkg/guide/media"
	"github.com/vango-go/argonauts-live/pkg/guide/playback"
	"github.com/vango-go/argonauts-live/pkg/guide/prompt"
	"github.com/vango-go/argonauts-live/pkg/guide/tools"
)

const tracerName = "github.com/vango-go/argonauts-live/cmd/guide-live"

type runOptions struct {
	Guide config.Guide

	NoVideo    bool
	UserName   string
	Language   string
	FFmpegPath string
	Camera     string
	LogLevel   string
}

func newRootCmd(base config.Guide, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	opts := runOptions{Guide: base, LogLevel: base.LogLevel.String()}

	cmd := &cobra.Command{
		Use:   "guide-live",
		Short: "Talk to the Poti tour guide from this machine",
		Long:  "Opens a live voice session with the Poti tour guide using the local microphone, speakers and camera.\nType a line to send it as text, or /help for commands.",
		Args:  cobra.NoArgs,

		SilenceUsage:  true,
		SilenceErrors: true,

		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := config.ParseLevel(opts.LogLevel)
			if err != nil {
				return err
			}
			opts.Guide.LogLevel = level
			if err := opts.Guide.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), opts, stdin, stdout, stderr)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Guide.Model, "model", base.Model, "Gemini Live model (GUIDE_MODEL)")
	f.StringVar(&opts.Guide.Voice, "voice", base.Voice, "prebuilt voice name (GUIDE_VOICE)")
	f.BoolVar(&opts.Guide.Transcription, "transcription", base.Transcription, "request input and output transcriptions (GUIDE_TRANSCRIPTION)")
	f.DurationVar(&opts.Guide.VideoInterval, "video-interval", base.VideoInterval, "camera frame interval (GUIDE_VIDEO_INTERVAL)")
	f.StringVar(&opts.Guide.BackendURL, "backend-url", base.BackendURL, "game backend base URL (GUIDE_BACKEND_URL)")
	f.StringVar(&opts.Guide.UserID, "user", base.UserID, "player id for the game backend (GUIDE_USER_ID)")
	f.StringVar(&opts.Guide.VocabularyPath, "vocabulary", base.VocabularyPath, "YAML vocabulary file (GUIDE_VOCABULARY)")
	f.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "debug|info|warn|error (GUIDE_LOG_LEVEL)")
	f.BoolVar(&opts.NoVideo, "no-video", false, "never open the camera")
	f.StringVar(&opts.UserName, "name", "", "player name used when no backend is configured")
	f.StringVar(&opts.Language, "language", "", "language the guide should answer in")
	f.StringVar(&opts.FFmpegPath, "ffmpeg", "", "ffmpeg binary used for the camera")
	f.StringVar(&opts.Camera, "camera", "", "ffmpeg camera input (platform default when empty)")

	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd
}

func run(ctx context.Context, opts runOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: opts.Guide.LogLevel}))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	vocab := detect.DefaultVocabulary()
	if opts.Guide.VocabularyPath != "" {
		v, err := detect.LoadVocabulary(opts.Guide.VocabularyPath)
		if err != nil {
			return fmt.Errorf("load vocabulary: %w", err)
		}
		vocab = v
	}

	dialer, err := live.NewGenAIDialer(ctx, opts.Guide.GeminiAPIKey)
	if err != nil {
		return err
	}

	device := media.NewDeviceBackend(logger)
	device.FFmpegPath = opts.FFmpegPath
	device.CameraInput = opts.Camera
	defer device.Close()

	var client *backend.Client
	if opts.Guide.BackendURL != "" {
		client = backend.New(opts.Guide.BackendURL, opts.Guide.BackendAPIKey,
			backend.WithUserID(opts.Guide.UserID),
			backend.WithLogger(logger),
		)
	}

	con := newConsole(stdout, isTerminal(stdin))

	detCfg := detect.Config{Vocabulary: vocab, Logger: logger}
	var handlers *tools.Handlers
	if client != nil {
		handlers = client.ToolHandlers()
		detCfg.OnVisit = client.OnVisit()
		detCfg.OnLearn = client.OnLearn()
	}
	det := detect.New(detCfg)
	dispatcher := tools.NewDispatcher(handlers,
		tools.WithLogger(logger),
		tools.WithTracer(otel.Tracer(tracerName)),
	)

	constraints := media.DefaultConstraints()
	if opts.NoVideo {
		constraints = constraints.AudioOnly()
	}
	fallback := prompt.GameContext{
		UserName: opts.UserName,
		Language: opts.Language,
	}

	session, err := live.NewSession(live.Options{
		Config: live.Config{
			Model:         opts.Guide.Model,
			Voice:         opts.Guide.Voice,
			Constraints:   &constraints,
			Transcription: opts.Guide.Transcription,
		},
		Dialer: dialer,
		Media:  media.NewAcquirer(device, logger),
		NewOutput: func(rate int) (playback.Context, error) {
			return playback.NewOtoContext(rate)
		},
		GameState: backend.GameState(client, fallback, det),
		Tools:     dispatcher,
		Detector:  det,
		Callbacks: con.callbacks(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	ctrl := live.NewController(session)
	unsubscribe := ctrl.Subscribe(func(open bool) {
		if open {
			con.println("guide opened")
		} else {
			con.println("guide closed (/open to reconnect)")
		}
	})
	defer unsubscribe()
	defer session.Cleanup()

	g := controllerGuide{ctrl: ctrl}
	if err := g.Open(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	con.println("Talk to the guide, or type a message. /help lists commands.")

	var uploader photoUploader
	if client != nil {
		uploader = client
	}

	eg, egCtx := errgroup.WithContext(ctx)
	if !opts.NoVideo {
		eg.Go(func() error {
			session.StreamVideo(egCtx, opts.Guide.VideoInterval)
			return nil
		})
	}
	eg.Go(func() error {
		err := con.run(egCtx, stdin, g, uploader)
		ctrl.Close()
		if err != nil {
			return err
		}
		// Stop the video loop once the console is done.
		return errConsoleDone
	})
	if err := eg.Wait(); err != nil && !errors.Is(err, errConsoleDone) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

var errConsoleDone = errors.New("console closed")

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// controllerGuide adapts the controller and its session to the console.
type controllerGuide struct {
	ctrl *live.Controller
}

func (g controllerGuide) Open(ctx context.Context) error { return g.ctrl.Open(ctx) }
func (g controllerGuide) Close()                         { g.ctrl.Close() }
func (g controllerGuide) IsOpen() bool                   { return g.ctrl.IsOpen() }
func (g controllerGuide) ToggleMute() bool               { return g.ctrl.Session().ToggleMute() }
func (g controllerGuide) ToggleVideo() bool              { return g.ctrl.Session().ToggleVideo() }
func (g controllerGuide) Snapshot() live.Snapshot        { return g.ctrl.Session().Snapshot() }

func (g controllerGuide) SendText(ctx context.Context, text string) error {
	return g.ctrl.Session().SendText(ctx, text)
}

// Photo JPEG-encodes the current camera frame.
func (g controllerGuide) Photo() ([]byte, error) {
	h := g.ctrl.Session().Media()
	if h == nil || !h.HasVideo() {
		return nil, errors.New("no camera")
	}
	img, ok := h.VideoTracks()[0].Frame()
	if !ok {
		return nil, errors.New("camera has no frame yet")
	}
	return media.SampleFrame(img)
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "guide-live: %v\n", err)
		return 1
	}
	base, err := config.LoadGuideFromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "guide-live: %v\n", err)
		return 1
	}

	cmd := newRootCmd(base, stdin, stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "guide-live: %v\n", strings.TrimSpace(err.Error()))
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
