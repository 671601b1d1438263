package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-rebuild-go/internal/domain"
	"github.com/apk-analysis/apk-rebuild-go/internal/patch"
	"github.com/apk-analysis/apk-rebuild-go/internal/repository"
	"github.com/apk-analysis/apk-rebuild-go/internal/service"
	"github.com/apk-analysis/apk-rebuild-go/internal/worker"
)

// RebuildHandler 重建接口
type RebuildHandler struct {
	svc           service.RebuildService
	logger        *logrus.Logger
	inputDir      string
	maxUploadSize int64
	syncByDefault bool
}

// NewRebuildHandler 创建重建处理器实例
func NewRebuildHandler(svc service.RebuildService, logger *logrus.Logger, inputDir string, maxUploadMB int, syncByDefault bool) *RebuildHandler {
	if maxUploadMB <= 0 {
		maxUploadMB = 512
	}
	return &RebuildHandler{
		svc:           svc,
		logger:        logger,
		inputDir:      inputDir,
		maxUploadSize: int64(maxUploadMB) << 20,
		syncByDefault: syncByDefault,
	}
}

// CreateRebuild 上传 APK（可附带补丁集）并创建重建
// POST /api/v1/rebuilds  multipart: apk=<file> patch_set=<file> scheme=auto|v1|v2|both async=true|false
func (h *RebuildHandler) CreateRebuild(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+(1<<20))

	apkFile, err := c.FormFile("apk")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "缺少 apk 文件"})
		return
	}
	if !strings.HasSuffix(strings.ToLower(apkFile.Filename), ".apk") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "只支持 APK 文件格式"})
		return
	}
	if apkFile.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("文件大小超过限制 (最大 %dMB)", h.maxUploadSize>>20),
		})
		return
	}

	async := !h.syncByDefault
	if v := c.PostForm("async"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "async 参数无效"})
			return
		}
		async = parsed
	}

	runID := uuid.New().String()
	if err := os.MkdirAll(h.inputDir, 0755); err != nil {
		h.logger.WithError(err).Error("Failed to create input directory")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建上传目录失败"})
		return
	}

	apkPath := filepath.Join(h.inputDir, runID+".apk")
	if err := saveUpload(apkFile, apkPath); err != nil {
		h.logger.WithError(err).Error("Failed to save uploaded apk")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存上传文件失败"})
		return
	}

	var patchPath string
	if patchFile, err := c.FormFile("patch_set"); err == nil {
		patchPath = filepath.Join(h.inputDir, runID+".patch.yaml")
		if msg, err := h.savePatchSet(patchFile, patchPath); err != nil {
			os.Remove(apkPath)
			if msg != "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": msg, "detail": err.Error()})
				return
			}
			h.logger.WithError(err).Error("Failed to save uploaded patch set")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "保存补丁集失败"})
			return
		}
	}

	ctx := c.Request.Context()
	run, err := h.svc.Submit(ctx, &service.SubmitRequest{
		RunID:     runID,
		APKName:   filepath.Base(apkFile.Filename),
		InputPath: apkPath,
		PatchSet:  patchPath,
		Scheme:    c.PostForm("scheme"),
		Source:    domain.RunSourceAPI,
	})
	if err != nil {
		os.Remove(apkPath)
		if patchPath != "" {
			os.Remove(patchPath)
		}
		if errors.Is(err, service.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "请求参数无效", "detail": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Failed to submit rebuild")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建重建任务失败"})
		return
	}

	if async {
		if err := h.svc.Dispatch(ctx, run); err != nil {
			h.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to dispatch rebuild")
			status := http.StatusInternalServerError
			if errors.Is(err, worker.ErrQueueFull) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": "任务分发失败", "run": run})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run": run})
		return
	}

	final, err := h.svc.Execute(ctx, run.ID)
	if err != nil {
		if final != nil {
			// 流水线失败：记录已落库，返回失败阶段与分类
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "重建失败", "run": final})
			return
		}
		h.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to execute rebuild")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "执行重建失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": final})
}

// savePatchSet 保存并校验上传的补丁集；上传的补丁集不允许引用服务器上的 native 库文件。
// 返回的 msg 非空表示请求错误。
func (h *RebuildHandler) savePatchSet(fh *multipart.FileHeader, dest string) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}

	set, err := patch.ParseSet(data, h.inputDir)
	if err != nil {
		return "补丁集无效", err
	}
	if len(set.NativeLibs) > 0 {
		return "上传的补丁集不能包含 native_libs", fmt.Errorf("%d native libs declared", len(set.NativeLibs))
	}
	return "", os.WriteFile(dest, data, 0644)
}

// ListRebuilds 分页查询
// GET /api/v1/rebuilds?page=1&page_size=20&status=failed
func (h *RebuildHandler) ListRebuilds(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	status := c.Query("status")
	if status != "" && !validStatus(status) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status 参数无效"})
		return
	}

	runs, total, err := h.svc.ListRuns(c.Request.Context(), page, pageSize, status)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list rebuild runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取重建列表失败"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":      runs,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetRebuild 查询单条记录
// GET /api/v1/rebuilds/:id
func (h *RebuildHandler) GetRebuild(c *gin.Context) {
	run, err := h.svc.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run":          run,
		"failure_name": run.FailureKind.GetDisplayName(),
	})
}

// DownloadRebuild 下载签名后的 APK
// GET /api/v1/rebuilds/:id/download
func (h *RebuildHandler) DownloadRebuild(c *gin.Context) {
	path, run, err := h.svc.OutputFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrRunNotCompleted) {
			resp := gin.H{"error": "重建尚未完成或已失败"}
			if run != nil {
				resp["status"] = run.Status
			}
			c.JSON(http.StatusConflict, resp)
			return
		}
		h.writeLookupError(c, err)
		return
	}

	name := strings.TrimSuffix(run.APKName, filepath.Ext(run.APKName)) + "-signed.apk"
	c.Header("X-Content-SHA256", run.OutputSHA256)
	c.FileAttachment(path, name)
}

// GetStats 各状态数量
// GET /api/v1/stats
func (h *RebuildHandler) GetStats(c *gin.Context) {
	counts, total, err := h.svc.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get status counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts, "total": total})
}

func (h *RebuildHandler) writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "重建记录不存在"})
		return
	}
	h.logger.WithError(err).Error("Failed to load rebuild run")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "查询重建记录失败"})
}

func validStatus(s string) bool {
	for _, st := range domain.AllRunStatuses {
		if string(st) == s {
			return true
		}
	}
	return false
}

func saveUpload(fh *multipart.FileHeader, dest string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dest)
		return err
	}
	return dst.Close()
}
