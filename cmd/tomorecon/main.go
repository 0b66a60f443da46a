package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tomorecon/internal/h5io"
	"tomorecon/internal/models"
	"tomorecon/pkg/config"
	"tomorecon/pkg/debug"
	"tomorecon/pkg/device"
	"tomorecon/pkg/geometry"
	"tomorecon/pkg/metrics"
	"tomorecon/pkg/phantom"
	"tomorecon/pkg/plugin"
	"tomorecon/pkg/prior"
	"tomorecon/pkg/projector"
	"tomorecon/pkg/reconstruction"
	"tomorecon/pkg/task"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "tomorecon.yaml", "YAML configuration file")
	inputPath := flag.String("input", "", "HDF5 file holding the sinogram (simulate a phantom when empty)")
	dataset := flag.String("dataset", "", "Sinogram dataset in the input file (default from config)")
	outputPath := flag.String("output", "volume.h5", "HDF5 file the reconstructed volume is written to")
	dumpDir := flag.String("dump", "", "Directory for TIFF dumps of intermediate buffers")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *dataset != "" {
		cfg.Output.SinogramDataset = *dataset
	}
	if *dumpDir != "" {
		cfg.Output.DebugDir = *dumpDir
	}

	var logw io.Writer = io.Discard
	if cfg.Output.Verbose {
		logw = os.Stdout
	}

	fmt.Println("================================")
	fmt.Println("TOMOGRAPHIC RECONSTRUCTION FROM PARALLEL-BEAM SINOGRAMS")
	fmt.Printf("Available methods: %s\n", strings.Join(plugin.Names(), ", "))
	fmt.Println("================================")

	res := device.NewResources(logw, cfg.Processing.NumCores, cfg.Processing.QueueDepth)
	defer res.Close()
	res.Describe()

	method, err := buildMethod(cfg, logw)
	if err != nil {
		log.Fatalf("Failed to build reconstruction method: %v", err)
	}
	defer method.Release()

	// Load or simulate the sinogram
	var sino, truth *models.Buffer
	if *inputPath != "" {
		sino, err = h5io.LoadSinogram(*inputPath, cfg.Output.SinogramDataset)
		if err != nil {
			log.Fatalf("Failed to load sinogram: %v", err)
		}
		fmt.Printf("Loaded sinogram %v from %s\n", sino.Shape, *inputPath)
	} else {
		truth, sino, err = simulate(cfg, res.MaxThreads)
		if err != nil {
			log.Fatalf("Simulation failed: %v", err)
		}
		fmt.Printf("Simulated %s phantom %v, sinogram %v\n", cfg.Simulation.Phantom, truth.Shape, sino.Shape)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node := task.NewReconstruction(ctx, method)
	if truth != nil {
		node.Width, node.Height = truth.Cols(), truth.Rows()
	}
	if err := node.Setup(res); err != nil {
		log.Fatalf("Setup failed: %v", err)
	}
	inputs := []*models.Buffer{sino}
	requisition, err := node.Requisition(inputs)
	if err != nil {
		log.Fatalf("Invalid sinogram: %v", err)
	}
	if err := res.CheckBudget(models.ShapeLen(requisition)*3 + sino.Len()*3); err != nil {
		log.Fatalf("Not enough memory: %v", err)
	}

	fmt.Println("Starting reconstruction...")
	volume := models.NewBuffer()
	startTime := time.Now()
	complete := node.Process(inputs, volume, requisition)
	processingTime := time.Since(startTime)
	if err := node.Err(); err != nil {
		log.Fatalf("Reconstruction failed: %v", err)
	}
	result := node.Result()
	if !complete {
		fmt.Printf("\nReconstruction interrupted after %d iterations\n", result.Iterations)
	} else {
		fmt.Printf("\nReconstruction completed in %.2f seconds (%d iterations)\n", processingTime.Seconds(), result.Iterations)
	}

	buffers := map[string]*models.Buffer{cfg.Output.VolumeDataset: volume}
	if truth != nil {
		buffers[cfg.Output.SinogramDataset] = sino
	}
	attrs := map[string]interface{}{
		"iterations": int64(result.Iterations),
		"complete":   boolToInt(complete),
	}
	if err := h5io.Save(*outputPath, buffers, attrs); err != nil {
		log.Fatalf("Failed to save volume: %v", err)
	}
	fmt.Printf("Volume %v saved to: %s\n", volume.Shape, *outputPath)

	if truth != nil {
		q, err := metrics.Compare(truth, volume)
		if err != nil {
			log.Printf("Warning: Failed to compute metrics: %v", err)
			return
		}
		fmt.Printf("\nReconstruction quality against the phantom:\n")
		fmt.Printf("=======================================\n")
		fmt.Printf("Root Mean Square Error (RMSE): %.6f\n", q.RMSE)
		fmt.Printf("Peak Signal-to-Noise Ratio (PSNR): %.2f dB\n", q.PSNR)
		fmt.Printf("Structural Similarity Index (SSIM): %.3f\n", q.SSIM)
		fmt.Printf("Correlation: %.3f\n", q.Correlation)
		fmt.Printf("Mutual Information (MI): %.3f\n", q.MI)
		fmt.Printf("Entropy Difference: %.3f\n", q.EntropyDiff)
	}
}

// buildMethod instantiates the configured method together with its prior
// knowledge and debug dumper.
func buildMethod(cfg *config.Config, logw io.Writer) (reconstruction.Method, error) {
	raw, err := cfg.MethodJSON()
	if err != nil {
		return nil, err
	}
	instance, err := plugin.Build(raw, logw)
	if err != nil {
		return nil, err
	}
	method, ok := instance.(reconstruction.Method)
	if !ok {
		return nil, fmt.Errorf("plugin %q is not a reconstruction method", cfg.Method["plugin"])
	}

	knowledge := prior.New()
	knowledge.SetBool(prior.PhaseContrast, cfg.Prior.PhaseContrast)
	sparsityRaw, err := cfg.ImageSparsityJSON()
	if err != nil {
		return nil, err
	}
	if sparsityRaw != nil {
		handle, err := plugin.Build(sparsityRaw, logw)
		if err != nil {
			return nil, fmt.Errorf("prior.imageSparsity: %w", err)
		}
		knowledge.SetHandle(prior.ImageSparsity, handle)
	}
	method.SetPrior(knowledge)

	if cfg.Output.DebugDir != "" {
		method.SetDumper(debug.NewTIFFDumper(cfg.Output.DebugDir))
	}
	return method, nil
}

// simulate creates the configured phantom and its sinogram.
func simulate(cfg *config.Config, threads int) (truth, sino *models.Buffer, err error) {
	sim := cfg.Simulation
	if sim.Size <= 0 || sim.Angles <= 0 {
		return nil, nil, fmt.Errorf("%w: simulation needs a positive size and angle count", models.ErrInputData)
	}
	switch sim.Phantom {
	case "shepp-logan", "":
		truth = phantom.SheppLogan(sim.Size, sim.Depth)
	case "disk":
		truth = phantom.Disk(sim.Size, sim.Size, sim.Depth, float64(sim.Size)/3, 1)
	default:
		return nil, nil, fmt.Errorf("%w: unknown phantom %q", models.ErrInputData, sim.Phantom)
	}

	nDet := sim.Detectors
	if nDet <= 0 {
		nDet = int(math.Ceil(float64(sim.Size) * math.Sqrt2))
	}
	p := projector.NewJoseph(geometry.NewParallelDefault(), threads)
	sino, err = phantom.Simulate(p, truth, sim.Angles, nDet)
	if err != nil {
		return nil, nil, err
	}
	phantom.AddNoise(sino, sim.Noise, sim.Seed)
	return truth, sino, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
