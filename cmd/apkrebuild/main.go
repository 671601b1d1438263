package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/apk-analysis/apk-rebuild-go/internal/config"
	"github.com/apk-analysis/apk-rebuild-go/internal/patch"
	"github.com/apk-analysis/apk-rebuild-go/internal/pipeline"
	"github.com/apk-analysis/apk-rebuild-go/internal/service"
	"github.com/apk-analysis/apk-rebuild-go/internal/signing"
)

var Version = "1.0.0"

// 退出码
const (
	exitOK       = 0
	exitUsage    = 1
	exitInput    = 2 // 输入 APK 或字节码无法处理
	exitPatch    = 3 // 补丁冲突或回编冲突
	exitSigning  = 4 // 对齐或签名失败
	exitTimeout  = 5
	exitInternal = 10
)

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, patch.ErrInvalidSet) {
		return exitUsage
	}
	switch pipeline.Kind(err) {
	case pipeline.KindMalformedArchive, pipeline.KindEntryNotFound, pipeline.KindUnsupportedBytecodeFormat:
		return exitInput
	case pipeline.KindPatchConflict, pipeline.KindReassemblyConflict:
		return exitPatch
	case pipeline.KindAlignmentInfeasible, pipeline.KindSigningFailed:
		return exitSigning
	case pipeline.KindPipelineTimeout:
		return exitTimeout
	default:
		return exitInternal
	}
}

type options struct {
	in, out     string
	patches     string
	key, cert   string
	p12, p12Pwd string
	scheme      string
	timeout     time.Duration
	configPath  string
	minSDK      int
	pageAlign   bool
	verify      bool
	logLevel    string
}

func parseFlags(args []string, stderr io.Writer) (*options, *pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("apkrebuild", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{}
	fs.StringVarP(&o.in, "in", "i", "", "输入 APK")
	fs.StringVarP(&o.out, "out", "o", "", "输出 APK，默认 <输入>-signed.apk")
	fs.StringVarP(&o.patches, "patches", "p", "", "补丁集 YAML")
	fs.StringVar(&o.key, "key", "", "PEM 私钥")
	fs.StringVar(&o.cert, "cert", "", "PEM 证书（链）")
	fs.StringVar(&o.p12, "p12", "", "PKCS#12 密钥库，与 --key/--cert 二选一")
	fs.StringVar(&o.p12Pwd, "p12-password", "", "PKCS#12 口令，也可用 APK_SIGNING_P12_PASSWORD")
	fs.StringVar(&o.scheme, "scheme", "", "签名方案 auto|v1|v2|both")
	fs.DurationVar(&o.timeout, "timeout", 0, "整体时限，如 5m")
	fs.StringVarP(&o.configPath, "config", "c", "", "配置文件路径")
	fs.IntVar(&o.minSDK, "min-sdk", 0, "minSdkVersion，影响自动选择签名方案")
	fs.BoolVar(&o.pageAlign, "page-align", false, "native 库按 4096 对齐")
	fs.BoolVar(&o.verify, "verify", true, "签名后校验")
	fs.StringVar(&o.logLevel, "log-level", "", "日志级别")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if o.in == "" {
		return nil, nil, errors.New("--in is required")
	}
	if o.p12 != "" && (o.key != "" || o.cert != "") {
		return nil, nil, errors.New("--p12 cannot be combined with --key/--cert")
	}
	if (o.key == "") != (o.cert == "") {
		return nil, nil, errors.New("--key and --cert must be given together")
	}
	if o.out == "" {
		o.out = strings.TrimSuffix(o.in, filepath.Ext(o.in)) + "-signed.apk"
	}
	return o, fs, nil
}

// applyTo 命令行参数覆盖配置文件
func (o *options) applyTo(cfg *config.Config, changed func(name string) bool) {
	if o.key != "" || o.p12 != "" {
		cfg.Signing = config.SigningConfig{
			KeyFile:     o.key,
			CertFile:    o.cert,
			P12File:     o.p12,
			P12Password: cfg.Signing.P12Password,
		}
	}
	if o.p12Pwd != "" {
		cfg.Signing.P12Password = o.p12Pwd
	}
	if o.scheme != "" {
		cfg.Pipeline.Scheme = o.scheme
	}
	if o.timeout > 0 {
		cfg.Pipeline.Timeout = o.timeout
	}
	if changed("min-sdk") {
		cfg.Pipeline.MinSDK = o.minSDK
	}
	if changed("page-align") {
		cfg.Pipeline.PageAlignNativeLibs = o.pageAlign
	}
	if changed("verify") {
		cfg.Pipeline.VerifyAfterSign = o.verify
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, fs, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "apkrebuild: %v\n", err)
		return exitUsage
	}

	cfg := config.Default()
	if o.configPath != "" {
		if cfg, err = config.Load(o.configPath); err != nil {
			fmt.Fprintf(stderr, "apkrebuild: %v\n", err)
			return exitUsage
		}
	}
	o.applyTo(cfg, fs.Changed)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "apkrebuild: %v\n", err)
		return exitUsage
	}

	logger := config.InitLogger(&cfg.Log)
	logger.SetOutput(stderr)

	if err := rebuild(ctx, cfg, o, logger, stdout); err != nil {
		code := exitCode(err)
		entry := logger.WithError(err).WithField("kind", pipeline.Kind(err))
		var se *pipeline.StageError
		if errors.As(err, &se) {
			entry = entry.WithFields(logrus.Fields{"stage": se.Stage.String(), "applied": len(se.Applied)})
		}
		entry.Error("Rebuild failed")
		return code
	}
	return exitOK
}

func rebuild(ctx context.Context, cfg *config.Config, o *options, logger *logrus.Logger, stdout io.Writer) error {
	data, err := os.ReadFile(o.in)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	set := &patch.Set{}
	if o.patches != "" {
		if set, err = patch.LoadSet(o.patches); err != nil {
			return err
		}
	} else if cfg.Pipeline.PatchSet != "" {
		if set, err = patch.LoadSet(cfg.Pipeline.PatchSet); err != nil {
			return err
		}
	}

	identity, err := service.LoadIdentity(&cfg.Signing, logger)
	if err != nil {
		return fmt.Errorf("%w: %v", signing.ErrSigningFailed, err)
	}
	controller, err := service.NewController(cfg, logger)
	if err != nil {
		return err
	}

	res, err := controller.Run(ctx, &pipeline.Request{
		ID:           filepath.Base(o.in),
		APK:          data,
		Instructions: set.Compile(),
		NativeLibs:   set.NativeLibs,
		Identity:     identity,
	})
	if err != nil {
		return err
	}

	if err := service.WriteFileAtomic(o.out, res.APK); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	digest := sha256.Sum256(res.APK)

	logger.WithFields(logrus.Fields{
		"output":   o.out,
		"scheme":   res.Scheme.String(),
		"applied":  len(res.Applied),
		"touched":  strings.Join(res.Touched, ","),
		"duration": res.Duration.String(),
	}).Info("Output written")
	fmt.Fprintf(stdout, "%s  %s\n", hex.EncodeToString(digest[:]), o.out)
	return nil
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("apkrebuild %s\n", Version)
		return
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
