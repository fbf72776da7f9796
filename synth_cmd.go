package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dgnsrekt/audiovault/internal/queue"
	"github.com/dgnsrekt/audiovault/internal/tts"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var synthCmd = &cobra.Command{
	Use:   "synth [TEXT]",
	Short: "Synthesize text into the cache",
	Long: paragraph(fmt.Sprintf("\nSynthesize TEXT (or --file, or stdin with -) and print the cached asset. Identical requests are %s.",
		keyword("served from the cache"))),
	Example: paragraph("audiovault synth \"Hello there\" --engine local\naudiovault synth --file chapter1.txt --markup '<speak>...</speak>' --engine remote\necho hi | audiovault synth - --preview 10"),
	Args:    cobra.MaximumNArgs(1),
	RunE:    runSynth,
}

func init() {
	f := synthCmd.Flags()
	f.String("file", "", "read text from a file")
	f.String("engine", "", "remote or local (default: local when piper is configured)")
	f.String("lang", "en-US", "language tag")
	f.String("voice", "", "voice category or model name")
	f.String("style", "", "speaking style")
	f.String("category", "", "content category")
	f.String("markup", "", "markup document overriding the text")
	f.String("background", "", "background music reference")
	f.Float64("background-seconds", 0, "length of the background mix")
	f.Float64("trim", 0, "truncate the asset to this many seconds")
	f.Float64("speed", 0, fmt.Sprintf("speaking rate, one of %v", tts.SpeedSteps))
	f.Float64("length-scale", 0, "local engine phoneme length (overrides --speed)")
	f.Float64("noise-scale", 0, "local engine noise")
	f.Float64("noise-w", 0, "local engine phoneme width noise")
	f.Int("preview", 0, "also cut a preview of this many seconds")
	f.Bool("json", false, "print the asset as JSON")
}

func synthRequest(cmd *cobra.Command, args []string) (ttypes.SynthesisRequest, error) {
	f := cmd.Flags()
	var req ttypes.SynthesisRequest

	file, _ := f.GetString("file")
	switch {
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return req, fmt.Errorf("unable to read text: %w", err)
		}
		req.Text = string(b)
	case len(args) == 1 && args[0] == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return req, fmt.Errorf("unable to read stdin: %w", err)
		}
		req.Text = string(b)
	case len(args) == 1:
		req.Text = args[0]
	}
	req.Markup, _ = f.GetString("markup")
	if strings.TrimSpace(req.Text) == "" && req.Markup == "" {
		return req, errors.New("nothing to synthesize: pass TEXT, --file or --markup")
	}

	name, _ := f.GetString("engine")
	if name == "" {
		name = string(ttypes.EngineRemote)
		if cfg.Piper.Enabled() {
			name = string(ttypes.EngineLocal)
		}
	}
	engine, err := ttypes.ParseEngine(name)
	if err != nil {
		return req, err
	}
	req.Engine = engine
	req.Language, _ = f.GetString("lang")
	req.VoiceID, _ = f.GetString("voice")
	req.Style, _ = f.GetString("style")
	req.Category, _ = f.GetString("category")
	req.TrimSeconds, _ = f.GetFloat64("trim")
	req.Parameters.LengthScale, _ = f.GetFloat64("length-scale")
	if speed, _ := f.GetFloat64("speed"); speed != 0 && req.Parameters.LengthScale == 0 {
		if req.Parameters.LengthScale, err = tts.LengthScaleForSpeed(speed); err != nil {
			return req, err
		}
	}
	req.Parameters.NoiseScale, _ = f.GetFloat64("noise-scale")
	req.Parameters.NoiseWidth, _ = f.GetFloat64("noise-w")
	if ref, _ := f.GetString("background"); ref != "" {
		secs, _ := f.GetFloat64("background-seconds")
		req.Background = &ttypes.Background{Ref: ref, DurationSeconds: secs}
	}
	return req, nil
}

func runSynth(cmd *cobra.Command, args []string) error {
	req, err := synthRequest(cmd, args)
	if err != nil {
		return err
	}
	ctx := queue.WithPriority(cmd.Context(), ttypes.PriorityInteractive)

	objects, err := openObjects(cfg)
	if err != nil {
		return err
	}
	mgr, closeCache, err := openCache(ctx, cfg, logger, objects)
	if err != nil {
		return err
	}
	defer closeCache() //nolint:errcheck

	asset, err := mgr.GetOrSynthesize(ctx, req)
	if err != nil {
		return err
	}

	var preview string
	if secs, _ := cmd.Flags().GetInt("preview"); secs > 0 {
		if err := os.MkdirAll(cfg.Server.PreviewDir, 0o755); err != nil {
			return err
		}
		preview, err = mgr.Preview(ctx, asset, float64(secs), cfg.Server.PreviewDir)
		if err != nil {
			return err
		}
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			ttypes.CachedAsset
			Path    string `json:"path"`
			Preview string `json:"preview,omitempty"`
		}{asset, mgr.Path(asset.RelativePath), preview})
	}

	status := "synthesized"
	if asset.Hit {
		status = "cache hit"
	}
	fmt.Println(headStyle.Render(status))
	fmt.Println(row("key", asset.Key))
	fmt.Println(row("path", mgr.Path(asset.RelativePath)))
	fmt.Println(row("size", humanize.Bytes(uint64(asset.SizeBytes)))) //nolint:gosec
	if preview != "" {
		fmt.Println(row("preview", preview))
	}
	return nil
}
