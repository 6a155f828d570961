package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"wanrunner/checkpoint"
	"wanrunner/config"
	"wanrunner/dispatch"
	"wanrunner/failures"
	"wanrunner/gpu"
	"wanrunner/job"
	"wanrunner/logger"
	"wanrunner/mask"
	"wanrunner/models"
	"wanrunner/notify"
	"wanrunner/probe"
	"wanrunner/recovery"
	"wanrunner/routes"
	"wanrunner/success"
	"wanrunner/utils"
)

// signalContext is cancelled on SIGINT or SIGTERM, which kills a running
// engine child.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newFlagSet(env *cliEnv, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(env.stderr)
	return fs
}

// jobFlags are shared by generate and edit.
type jobFlags struct {
	spec    models.JobSpec
	dryRun  bool
	sidecar bool
	asJSON  bool
}

func (f *jobFlags) register(fs *flag.FlagSet) {
	s := &f.spec
	fs.StringVar(&s.Prompt, "prompt", "", "text prompt (required)")
	fs.StringVar(&s.Output, "output", "", "where to copy the generated video")
	fs.StringVar(&s.CheckpointDir, "ckpt-dir", "", "checkpoint directory override")
	fs.StringVar(&s.Resolution, "resolution", models.Resolution480p, "832x480 or 1280x720")
	fs.BoolVar(&s.OffloadModel, "offload-model", false, "offload model weights to CPU between steps")
	fs.BoolVar(&s.T5CPU, "t5-cpu", false, "keep the T5 text encoder on the CPU")
	fs.BoolVar(&s.NoOptimizations, "no-optimizations", false, "never enable memory optimizations automatically")
	fs.IntVar(&s.FrameNum, "frame-num", 0, "number of frames to generate")
	fs.Float64Var(&s.GuideScale, "guide-scale", dispatch.DefaultGuideScale, "guidance scale for the 1.3B model")
	fs.StringVar(&s.GPU, "gpu", "", `"auto" for the GPU with most free memory, or a device index`)
	fs.StringVar(&s.CallbackURL, "callback", "", "URL to POST a completion notice to")
	fs.StringVar(&s.SubDir, "sub-dir", "", "folder name for published copies (default: job id)")
	fs.Func("publish", "publish the result: backend=accessKey (repeatable)", func(v string) error {
		backend, key, ok := strings.Cut(v, "=")
		if !ok || backend == "" || key == "" {
			return fmt.Errorf("expected backend=accessKey, got %q", v)
		}
		if s.StorageKeys == nil {
			s.StorageKeys = map[string]string{}
		}
		s.StorageKeys[backend] = key
		return nil
	})
	fs.BoolVar(&f.dryRun, "dry-run", false, "print the engine command without running it")
	fs.BoolVar(&f.sidecar, "sidecar", false, "write <output>.json describing the run")
	fs.BoolVar(&f.asJSON, "json", false, "print the result as JSON")
}

func runGenerate(env *cliEnv, args []string) error {
	var f jobFlags
	fs := newFlagSet(env, "generate")
	fs.StringVar(&f.spec.Mode, "mode", models.ModeT2V, "t2v or i2v")
	fs.StringVar(&f.spec.Image, "image", "", "reference image (i2v)")
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "generate")
	}
	if f.spec.Mode == models.ModeVACE {
		return models.WithHint(models.Newf(models.ErrConfiguration, "generate does not edit videos"),
			"use: wanrunner edit --video V --mask M --prompt P")
	}
	return runJob(env, f)
}

func runEdit(env *cliEnv, args []string) error {
	var f jobFlags
	fs := newFlagSet(env, "edit")
	fs.StringVar(&f.spec.Video, "video", "", "base video (required)")
	fs.StringVar(&f.spec.Mask, "mask", "", "mask image (.png/.jpg) or mask video (required)")
	fs.BoolVar(&f.spec.CleanupMask, "cleanup-mask", false, "delete a synthesized mask video after the run")
	f.register(fs)
	if err := fs.Parse(args); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "edit")
	}
	f.spec.Mode = models.ModeVACE
	return runJob(env, f)
}

func runJob(env *cliEnv, f jobFlags) error {
	ctx, stop := signalContext()
	defer stop()

	cfg := env.cfg
	d := dispatch.New(cfg.Engine.Python, cfg.Engine.RepoCandidates)
	d.Stdout, d.Stderr = env.stderr, env.stderr
	deps := job.Deps{
		Config:     cfg,
		Dispatcher: d,
		Masks:      mask.New(probe.New(cfg.Tools.FFprobe)),
	}
	if f.spec.GPU == "auto" {
		deps.Devices = gpu.DetectSource(cfg.Tools.NvidiaSMI)
	}

	if !f.dryRun {
		defer openHistory()()
		if len(f.spec.StorageKeys) > 0 {
			closeCreds, err := openCredentials()
			if err != nil {
				return err
			}
			defer closeCreds()
		}
		if cfg.Redis.URL != "" {
			pub, err := notify.NewRedisPublisher(ctx, cfg.Redis.URL, cfg.Redis.Channel)
			if err != nil {
				logger.Warnf("redis notices disabled: %v", err)
			} else {
				defer pub.Close()
				deps.Notifiers = append(deps.Notifiers, pub)
			}
		}
	}

	res, err := job.Execute(ctx, deps, f.spec, job.Options{DryRun: f.dryRun})
	if err != nil {
		return err
	}

	if f.sidecar && res.Artifact != nil {
		if err := job.WriteSidecar(res); err != nil {
			logger.Warnf("failed to write sidecar: %v", err)
		}
	}

	switch {
	case f.asJSON:
		enc := json.NewEncoder(env.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	case f.dryRun:
		fmt.Fprintln(env.stdout, res.Command)
	case res.Artifact != nil:
		fmt.Fprintln(env.stdout, res.Artifact.Destination)
	default:
		fmt.Fprintf(env.stderr, "generation finished but no output was recovered: %s\n", res.RecoveryErr)
	}
	return nil
}

func runMask(env *cliEnv, args []string) error {
	fs := newFlagSet(env, "mask")
	image := fs.String("image", "", "mask image (required)")
	video := fs.String("video", "", "reference video (required)")
	if err := fs.Parse(args); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "mask")
	}
	if *image == "" || *video == "" {
		return models.Newf(models.ErrConfiguration, "--image and --video are required")
	}

	ctx, stop := signalContext()
	defer stop()
	mv, err := mask.New(probe.New(env.cfg.Tools.FFprobe)).Synthesize(ctx, *image, *video)
	if err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, mv.Path)
	return nil
}

func runExampleMask(env *cliEnv, args []string) error {
	fs := newFlagSet(env, "example-mask")
	image := fs.String("image", "", "image whose size the mask matches (required)")
	output := fs.String("output", "mask.png", "where to write the mask")
	if err := fs.Parse(args); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "example-mask")
	}
	if *image == "" {
		return models.Newf(models.ErrConfiguration, "--image is required")
	}
	if err := mask.WriteExample(*image, *output); err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, *output)
	return nil
}

func runGPUs(env *cliEnv, args []string) error {
	fs := newFlagSet(env, "gpus")
	all := fs.Bool("all", false, "list every device")
	idOnly := fs.Bool("id-only", false, "print only the best device index")
	if err := fs.Parse(args); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "gpus")
	}

	src := gpu.DetectSource(env.cfg.Tools.NvidiaSMI)
	devs, err := src.Devices(context.Background())
	if err != nil {
		return models.Wrapf(models.ErrExternalProcess, err, "query GPUs via %s", src.Name())
	}
	ranked := gpu.Rank(devs)

	if *idOnly {
		// scripts expect a usable index even without devices
		id := 0
		if len(ranked) > 0 {
			id = ranked[0].ID
		}
		fmt.Fprint(env.stdout, id)
		return nil
	}
	if len(ranked) == 0 {
		fmt.Fprintln(env.stdout, "no GPUs found")
		return nil
	}
	if !*all {
		ranked = ranked[:1]
	}
	tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTOTAL\tFREE")
	for _, d := range ranked {
		fmt.Fprintf(tw, "%d\t%s\t%.2f GB\t%.2f GB\n", d.ID, d.Name, gib(d.TotalMemoryBytes), gib(d.FreeMemoryBytes))
	}
	return tw.Flush()
}

func gib(n uint64) float64 {
	return float64(n) / (1 << 30)
}

func runRecover(env *cliEnv, args []string) error {
	fs := newFlagSet(env, "recover")
	dir := fs.String("dir", "", "directory the engine writes to (default: engine repository)")
	output := fs.String("output", dispatch.DefaultGenerateOutput, "destination path")
	ext := fs.String("ext", env.cfg.Recovery.Extension, "output extension")
	window := fs.Duration("window", env.cfg.Recovery.Window, "only consider files this recent")
	if err := fs.Parse(args); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "recover")
	}
	if *dir == "" {
		repo, err := dispatch.LocateRepository(env.cfg.Engine.RepoCandidates)
		if err != nil {
			return err
		}
		*dir = repo
	}
	art, err := recovery.Recover(*dir, *ext, *output, *window)
	if err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, art.Destination)
	return nil
}

func runModels(env *cliEnv, args []string) error {
	if len(args) == 0 {
		return models.Newf(models.ErrConfiguration, "usage: wanrunner models verify|fetch|list [--variant V]")
	}
	action := args[0]
	fs := newFlagSet(env, "models "+action)
	variant := fs.String("variant", "14B", "one of: "+strings.Join(checkpoint.Names(), ", "))
	modelsDir := fs.String("models-dir", env.cfg.Engine.ModelsDir, "checkpoint root")
	force := fs.Bool("force", false, "download even when the directory is not empty")
	tokenizer := fs.Bool("tokenizer", false, "fetch: download only the tokenizer into the checkpoint")
	if err := fs.Parse(args[1:]); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "models")
	}

	if action == "list" {
		for _, name := range checkpoint.Names() {
			v, _ := checkpoint.Lookup(name)
			fmt.Fprintf(env.stdout, "%-10s %s\n", name, v.RepoID)
		}
		return nil
	}

	v, err := checkpoint.Lookup(*variant)
	if err != nil {
		return err
	}
	var report checkpoint.Report
	switch action {
	case "verify":
		report = checkpoint.Verify(v, filepath.Join(*modelsDir, v.Dir))
	case "fetch":
		ctx, stop := signalContext()
		defer stop()
		f := checkpoint.NewFetcher(env.cfg.Tools.HuggingFaceCLI)
		f.Stdout, f.Stderr = env.stderr, env.stderr
		if *tokenizer {
			report, err = f.FetchTokenizer(ctx, v, *modelsDir, *force)
		} else {
			report, err = f.Fetch(ctx, v, *modelsDir, *force)
		}
		if err != nil {
			return err
		}
	default:
		return models.Newf(models.ErrConfiguration, "unknown models action %q", action)
	}

	checkpoint.LogReport(report)
	if !report.Complete() {
		return models.WithHint(
			models.Newf(models.ErrNotFound, "checkpoint %s is incomplete: missing %s", report.Dir, strings.Join(report.Missing(), ", ")),
			"run: wanrunner models fetch --variant %s", v.Name)
	}
	fmt.Fprintln(env.stdout, report.Dir)
	return nil
}

func runHistory(env *cliEnv, args []string) error {
	if len(args) == 0 {
		return models.Newf(models.ErrConfiguration, "usage: wanrunner history success|failures|cleanup")
	}
	action := args[0]
	fs := newFlagSet(env, "history "+action)
	asJSON := fs.Bool("json", false, "print records as JSON")
	maxAge := fs.Duration("max-age", 30*24*time.Hour, "cleanup: remove records older than this")
	if err := fs.Parse(args[1:]); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "history")
	}

	defer openHistory()()
	if !success.Enabled() || !failures.Enabled() {
		return models.Newf(models.ErrConfiguration, "history stores under %s are unavailable", config.GetDataDir())
	}

	switch action {
	case "success":
		records, err := success.List()
		if err != nil {
			return err
		}
		if *asJSON {
			return json.NewEncoder(env.stdout).Encode(records)
		}
		tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tTIME\tTASK\tOUTPUT\tPUBLISHED")
		for _, r := range records {
			out := "-"
			if r.Artifact != nil {
				out = r.Artifact.Destination
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.JobID, r.Timestamp.Format(time.RFC3339), r.Job.Task, out, strings.Join(r.Published, ","))
		}
		return tw.Flush()
	case "failures":
		records, err := failures.List()
		if err != nil {
			return err
		}
		if *asJSON {
			return json.NewEncoder(env.stdout).Encode(records)
		}
		tw := tabwriter.NewWriter(env.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tTIME\tCATEGORY\tERROR")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.JobID, r.Timestamp.Format(time.RFC3339), r.Category, r.Error)
		}
		return tw.Flush()
	case "cleanup":
		ns, err := success.CleanupOldRecords(*maxAge)
		if err != nil {
			return err
		}
		nf, err := failures.CleanupOldRecords(*maxAge)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.stdout, "removed %d success and %d failure records\n", ns, nf)
		return nil
	default:
		return models.Newf(models.ErrConfiguration, "unknown history action %q", action)
	}
}

func runToken(env *cliEnv, args []string) error {
	fs := newFlagSet(env, "token")
	subject := fs.String("subject", "cli", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	jobFile := fs.String("job", "", "JSON file with the job spec; omit for an access-only token")
	if err := fs.Parse(args); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "token")
	}
	if err := env.cfg.RequireJWTSecret(); err != nil {
		return models.Wrapf(models.ErrConfiguration, err, "token")
	}

	now := time.Now()
	claims := &models.SubmitClaims{
		Issuer:    env.cfg.Server.JWTIssuer,
		Subject:   *subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(*ttl).Unix(),
	}
	if *jobFile != "" {
		data, err := os.ReadFile(*jobFile)
		if err != nil {
			return models.Wrapf(models.ErrNotFound, err, "read %s", *jobFile)
		}
		if err := json.Unmarshal(data, &claims.Job); err != nil {
			return models.Wrapf(models.ErrDecode, err, "parse %s", *jobFile)
		}
		if err := dispatch.Validate(claims.Job); err != nil {
			return err
		}
	}
	token, err := utils.SignSubmission(claims, []byte(env.cfg.Server.JWTSecret))
	if err != nil {
		return err
	}
	fmt.Fprintln(env.stdout, token)
	return nil
}

func runVersion(env *cliEnv, _ []string) error {
	fmt.Fprintln(env.stdout, routes.Version())
	return nil
}
