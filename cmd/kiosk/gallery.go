package main

import (
	"errors"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"kiosk/internal/camera"
	"kiosk/internal/detection"
	"kiosk/internal/logging"
)

var galleryCmd = &cobra.Command{
	Use:   "gallery",
	Short: "Manage the local identity gallery",
}

var galleryImportCmd = &cobra.Command{
	Use:   "import [directory]",
	Short: "Add reference faces to the gallery",
	Long: `Detect the face in each reference image and add its descriptor to the
local gallery used by the "gallery" matcher.

Images are read from <directory>/<name>/*.jpg or <directory>/<name>.jpg.
With --synthetic the built-in demo personas are enrolled instead, which is
what the synthetic camera and detector need.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGalleryImport,
}

func init() {
	rootCmd.AddCommand(galleryCmd)
	galleryCmd.AddCommand(galleryImportCmd)
	galleryImportCmd.Flags().Bool("synthetic", false, "Enroll the demo personas")
	galleryImportCmd.Flags().Bool("reset", false, "Start from an empty gallery")
	galleryImportCmd.Flags().String("output", "", "Gallery file (defaults to detection.gallery.path)")
}

func runGalleryImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	synthetic := mustGetBool(cmd, "synthetic")
	if synthetic == (len(args) == 1) {
		return errors.New("pass either a directory or --synthetic")
	}

	path := mustGetString(cmd, "output")
	if path == "" {
		path = cfg.Detection.Gallery.Path
	}
	if path == "" {
		return errors.New("no gallery path configured")
	}

	galleryCfg := cfg.Detection.Gallery
	galleryCfg.Path = path
	if mustGetBool(cmd, "reset") {
		galleryCfg.Path = ""
	}
	gallery, err := detection.LoadGallery(galleryCfg)
	if err != nil {
		return err
	}

	// Descriptors must come from the detector the server will use.
	detCfg := cfg.Detection
	detCfg.Matcher = "gallery"
	if synthetic {
		detCfg.Detector = "synthetic"
	}
	backends, err := detection.Build(detCfg)
	if err != nil {
		return err
	}
	defer backends.Close()
	detector, _, err := activeBackends(backends)
	if err != nil {
		return err
	}

	logger := logging.For("gallery")
	ctx := cmd.Context()
	var added, failed int

	if synthetic {
		for _, p := range camera.Personas {
			if err := detection.Enroll(ctx, gallery, detector, p.Name, detection.PersonaFrame(p, 96)); err != nil {
				return fmt.Errorf("failed to enroll %s: %w", p.Name, err)
			}
			added++
		}
	} else {
		images, err := detection.ScanGalleryDir(args[0])
		if err != nil {
			return err
		}
		if len(images) == 0 {
			return fmt.Errorf("no images found in %s", args[0])
		}

		bar := progressbar.NewOptions(len(images),
			progressbar.OptionSetDescription("Enrolling faces"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionFullWidth(),
		)
		for _, img := range images {
			err := enrollImage(cmd, gallery, detector, img)
			if err != nil {
				failed++
				logger.WithField("file", img.Path).WithError(err).Warn("Skipping image")
			} else {
				added++
			}
			_ = bar.Add(1)
		}
		_ = bar.Finish()
		fmt.Println()
	}

	if err := gallery.Save(path); err != nil {
		return err
	}
	fmt.Printf("Added %d reference faces (%d failed); gallery %s now has %d entries for %d people\n",
		added, failed, path, gallery.Len(), len(gallery.Names()))
	return nil
}

func enrollImage(cmd *cobra.Command, gallery *detection.Gallery, detector detection.Detector, img detection.GalleryImage) error {
	frame, err := detection.LoadImageFrame(img.Path)
	if err != nil {
		return err
	}
	return detection.Enroll(cmd.Context(), gallery, detector, img.Name, frame)
}
