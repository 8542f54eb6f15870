package cli

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/detect-api/internal/annotate"
	"github.com/Brownie44l1/detect-api/internal/imageio"
	"github.com/Brownie44l1/detect-api/internal/logger"
	"github.com/Brownie44l1/detect-api/internal/model"
)

// fileResult is one JSON line of `detectd detect` output.
type fileResult struct {
	File       string            `json:"file"`
	Detections []model.Detection `json:"detections"`
	Error      string            `json:"error,omitempty"`
}

var detectCmd = &cobra.Command{
	Use:   "detect <image>...",
	Short: "Run detection on local image files and print JSON lines",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		annotateDir, _ := cmd.Flags().GetString("annotate-dir")
		quiet, _ := cmd.Flags().GetBool("quiet")

		log := logger.NewWithWriter(cmd.ErrOrStderr())
		if quiet {
			log = logger.Discard()
		}

		detector, closeDetector, err := newDetector(cfg, log)
		if err != nil {
			return fmt.Errorf("failed to initialize detector: %w", err)
		}
		defer closeDetector()

		var drawer *annotate.Drawer
		if annotateDir != "" {
			if err := os.MkdirAll(annotateDir, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", annotateDir, err)
			}
			drawer = annotate.NewDrawer(cfg.FontPath)
		}

		bar := progressbar.NewOptions(len(args),
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("detecting"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetVisibility(!quiet),
		)

		results := make([]fileResult, len(args))
		outNames := annotatedNames(args)

		g, ctx := errgroup.WithContext(cmd.Context())
		g.SetLimit(detector.Workers())

		for i, path := range args {
			g.Go(func() error {
				defer bar.Add(1)

				results[i] = fileResult{File: path}

				img, err := imageio.LoadFile(path, cfg.MaxPixels)
				if err != nil {
					results[i].Error = err.Error()
					return nil
				}

				detections, err := detector.Detect(ctx, img, model.Options{})
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					results[i].Error = err.Error()
					return nil
				}
				results[i].Detections = detections

				if drawer != nil {
					outPath := filepath.Join(annotateDir, outNames[i])
					if err := writeAnnotated(drawer, outPath, img, detections); err != nil {
						results[i].Error = err.Error()
					}
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}
		bar.Finish()

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("failed to write result: %w", err)
			}
		}
		return nil
	},
}

func init() {
	detectCmd.Flags().String("annotate-dir", "", "write a copy of every image with its boxes drawn to this directory")
	detectCmd.Flags().BoolP("quiet", "q", false, "suppress logs and the progress bar")
}

// annotatedNames maps every input to <name>_annotated.jpg. Inputs sharing a
// base name get their argument index appended so no two outputs collide.
func annotatedNames(paths []string) []string {
	bases := make([]string, len(paths))
	seen := make(map[string]int, len(paths))
	for i, path := range paths {
		bases[i] = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		seen[bases[i]]++
	}

	names := make([]string, len(paths))
	for i, base := range bases {
		if seen[base] > 1 {
			names[i] = fmt.Sprintf("%s_%d_annotated.jpg", base, i)
			continue
		}
		names[i] = base + "_annotated.jpg"
	}
	return names
}

// writeAnnotated draws detections onto img and stores it as a JPEG at outPath.
func writeAnnotated(drawer *annotate.Drawer, outPath string, img image.Image, detections []model.Detection) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("error creating output file: %w", err)
	}

	if err := drawer.WriteJPEG(out, img, detections); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
