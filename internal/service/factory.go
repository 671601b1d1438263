package service

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rebuild-go/internal/config"
	"github.com/apk-analysis/apk-rebuild-go/internal/dex"
	"github.com/apk-analysis/apk-rebuild-go/internal/pipeline"
	"github.com/apk-analysis/apk-rebuild-go/internal/signing"
)

// LoadIdentity 按配置加载签名身份。未配置任何密钥文件时生成临时身份，
// 仅适合开发环境，每次启动证书都会变化。
func LoadIdentity(cfg *config.SigningConfig, logger *logrus.Logger) (*signing.Identity, error) {
	if cfg.P12File == "" && cfg.KeyFile == "" {
		id, err := signing.Ephemeral("", signing.KeyRSA)
		if err != nil {
			return nil, err
		}
		logger.WithField("fingerprint", id.Fingerprint()).
			Warn("No signing key configured, using ephemeral identity")
		return id, nil
	}

	id, err := signing.LoadFiles(cfg.KeyFile, cfg.CertFile, cfg.P12File, cfg.P12Password)
	if err != nil {
		return nil, fmt.Errorf("load signing identity: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"subject":     id.Certificate().Subject.String(),
		"fingerprint": id.Fingerprint(),
	}).Info("Signing identity loaded")
	return id, nil
}

// NewController 用配置组装流水线：smali 适配器 + SHA-256 签名原语
func NewController(cfg *config.Config, logger *logrus.Logger) (*pipeline.Controller, error) {
	pref, err := signing.ParsePreference(cfg.Pipeline.Scheme)
	if err != nil {
		return nil, err
	}
	tool := dex.NewSmaliTool(dex.SmaliToolOptions{
		JavaPath:    cfg.Disassembler.JavaPath,
		BaksmaliJar: cfg.Disassembler.BaksmaliJar,
		SmaliJar:    cfg.Disassembler.SmaliJar,
		APILevel:    cfg.Disassembler.APILevel,
		WorkDir:     cfg.Disassembler.WorkDir,
	}, logger)

	return pipeline.NewController(tool, signing.SHA256{}, pipeline.Options{
		Timeout:             cfg.Pipeline.Timeout,
		Workers:             cfg.Pipeline.UnpackWorkers,
		Scheme:              pref,
		MinSDK:              cfg.Pipeline.MinSDK,
		PageAlignNativeLibs: cfg.Pipeline.PageAlignNativeLibs,
		VerifyAfterSign:     cfg.Pipeline.VerifyAfterSign,
		V1:                  signing.V1Options{SignerName: cfg.Pipeline.SignerName},
	}, logger), nil
}
