package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagConfig     string
	flagLogLevel   string
	flagWebcam     bool
	flagVoice      bool
	flagRecordDir  string
	flagDeviceCam  string
	flagDeviceDisp string
	flagDeviceMic  string
)

var rootCmd = &cobra.Command{
	Use:   "party",
	Short: "Headless participant for a peer-to-peer watch party",
	Long: `party opens or joins a watch party room. Screen, webcam and voice are
sent directly between participants; comments go through the watchparty server.

Once in a room, type a line to post a comment or use a command:
  /share <screen|webcam|voice>    start sending a stream
  /unshare <screen|webcam|voice>  stop sending a stream
  /mute                           toggle the microphone
  /status                         show room, streams and connections
  /quit                           leave the room`,
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Open a new room as its creator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runParty(cmd.Context(), partyOptions{creator: true})
	},
}

var joinCmd = &cobra.Command{
	Use:     "join <room-code|room-url>",
	Aliases: []string{"j"},
	Short:   "Join an existing room as a viewer",
	Long: `Join an existing room as a viewer.

Examples:
  party join 3f1c2a9e-5d6b-4c1e-9f0a-2b7d8e6c4a10
  party join http://localhost:8080/room/3f1c2a9e-5d6b-4c1e-9f0a-2b7d8e6c4a10?role=viewer`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runParty(cmd.Context(), partyOptions{room: args[0]})
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&flagConfig, "config", "c", "configs/config.yaml", "path to the configuration file")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&flagWebcam, "webcam", false, "share the webcam when the room opens")
	flags.BoolVar(&flagVoice, "voice", false, "talk with every participant that connects")
	flags.StringVar(&flagRecordDir, "record-dir", "", "record received streams into this directory")
	flags.StringVar(&flagDeviceCam, "webcam-device", "", "VP8 IVF file used as the webcam")
	flags.StringVar(&flagDeviceDisp, "display-device", "", "VP8 IVF file used as the screen")
	flags.StringVar(&flagDeviceMic, "microphone-device", "", "Opus Ogg file used as the microphone")

	rootCmd.AddCommand(createCmd, joinCmd)
}

func main() {
	_ = godotenv.Load()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
