package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/storyloom/storyvoice-go/pkg/storyvoice"
)

var (
	verbose    bool
	backendURL string
	storyID    string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "storyvoice",
		Short: "StoryVoice client CLI",
		Long:  "Interactive client for the StoryVoice real-time voice narration pipeline",
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&backendURL, "backend", "", "Backend base URL")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(transcodeCmd())

	if err := rootCmd.Execute(); err != nil {
		storyvoice.GetGlobalLogger().Fatal().Err(err).Msg("command failed")
	}
}

func buildConfig() *storyvoice.Config {
	cfg := storyvoice.NewConfig()
	if backendURL != "" {
		cfg.BackendURL = backendURL
	}
	if verbose {
		cfg.DebugTransport = true
		cfg.DebugAudio = true
		storyvoice.SetGlobalLogger(storyvoice.NewLogger(&storyvoice.LogConfig{
			Level:  "debug",
			Pretty: true,
			Output: os.Stderr,
		}))
	}
	if issues := cfg.Validate(); len(issues) > 0 {
		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "config: %s\n", issue)
		}
		os.Exit(1)
	}
	return cfg
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run an interactive voice session",
		Long: "Connect to a story's voice session. Press Enter to toggle push-to-talk,\n" +
			"type 'n' to start narration, 's' to stop it, 'q' to quit. Any other line\n" +
			"is sent as a text question.",
		Run: func(cmd *cobra.Command, args []string) {
			if storyID == "" {
				fmt.Fprintln(os.Stderr, "a story id is required (--story)")
				os.Exit(1)
			}

			cfg := buildConfig()
			log := storyvoice.GetGlobalLogger().WithComponent("cli")

			if cfg.MetricsAddr != "" {
				go func() {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.Handler())
					if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
						log.Warn().Err(err).Msg("metrics listener stopped")
					}
				}()
			}

			backend := storyvoice.NewBackendClient(cfg)
			session := storyvoice.NewSession(cfg, backend, storyID)
			defer session.Close()

			session.OnNotice(func(msg string) {
				fmt.Printf("\n! %s\n", msg)
			})
			session.OnState(func(state storyvoice.SessionState) {
				log.Info().Str("state", string(state)).Msg("session state")
			})
			session.OnError(func(perr *storyvoice.PipelineError) {
				log.Warn().Str("code", perr.Code).Msg(perr.Message)
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if perr := session.Start(ctx); perr != nil {
				log.Fatal().Err(perr).Msg("could not start session")
			}
			fmt.Println("Connected. Enter = push-to-talk, n = narrate, s = stop narration, q = quit.")

			go func() {
				<-ctx.Done()
				session.Close()
				os.Exit(0)
			}()

			// Live input meter while the mic is open.
			go func() {
				ticker := time.NewTicker(cfg.AmplitudePollInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if session.Listening() {
							bar := strings.Repeat("#", session.Amplitude()/8)
							fmt.Printf("\rlevel [%-32s]", bar)
						}
					}
				}
			}()

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				switch line {
				case "":
					if session.Listening() {
						if perr := session.StopListening(); perr != nil {
							log.Warn().Err(perr).Msg("send failed")
						} else {
							fmt.Println("Sent. Waiting for response...")
						}
					} else {
						if perr := session.StartListening(); perr == nil {
							fmt.Println("Listening... press Enter to send.")
						}
					}
				case "n":
					_ = session.StartNarration()
				case "s":
					_ = session.StopNarration()
				case "q":
					printTranscript(session)
					return
				default:
					_ = session.SendText(line)
				}
			}
		},
	}

	cmd.Flags().StringVar(&storyID, "story", "", "Story identifier")
	return cmd
}

func printTranscript(session *storyvoice.Session) {
	events := session.Log().Events()
	if len(events) == 0 {
		return
	}
	fmt.Println("\n=== Conversation ===")
	for _, e := range events {
		fmt.Printf("[%s] %-18s %s\n", e.Timestamp.Format("15:04:05"), e.Kind, e.Content)
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio devices",
		Run: func(cmd *cobra.Command, args []string) {
			devices, err := storyvoice.ListAudioDevices()
			if err != nil {
				storyvoice.GetGlobalLogger().Fatal().Err(err).Msg("device enumeration failed")
			}
			for _, d := range devices {
				marker := " "
				if d.Default {
					marker = "*"
				}
				fmt.Printf("%s %2d  %-40s in:%d out:%d @ %.0f Hz\n",
					marker, d.Index, d.Name, d.MaxInputs, d.MaxOutputs, d.SampleRate)
			}
		},
	}
}

func transcodeCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "transcode [input.wav]",
		Short: "Transcode a WAV file to canonical outbound PCM",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := buildConfig()
			data, err := os.ReadFile(args[0])
			if err != nil {
				storyvoice.GetGlobalLogger().Fatal().Err(err).Msg("read input")
			}

			pcm, perr := storyvoice.NewTranscoder(cfg).Transcode(data)
			if perr != nil {
				storyvoice.GetGlobalLogger().Fatal().Err(perr).Msg("transcode failed")
			}
			fmt.Printf("%d samples @ %d Hz (%.2fs)\n",
				len(pcm.Samples), pcm.SampleRate, pcm.Duration().Seconds())

			if outPath != "" {
				wav, err := storyvoice.EncodeWAV(pcm.Samples, pcm.SampleRate)
				if err != nil {
					storyvoice.GetGlobalLogger().Fatal().Err(err).Msg("encode output")
				}
				if err := os.WriteFile(outPath, wav, 0o644); err != nil {
					storyvoice.GetGlobalLogger().Fatal().Err(err).Msg("write output")
				}
				fmt.Printf("wrote %s\n", outPath)
			}
		},
	}
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write transcoded audio as WAV")
	return cmd
}
