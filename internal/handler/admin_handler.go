package handler

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/handler/dto"
	"github.com/yourusername/linkbio-api/internal/handler/helper"
	"github.com/yourusername/linkbio-api/internal/middleware"
	"github.com/yourusername/linkbio-api/internal/service"
)

// AdminAPI административные операции над пользователями
type AdminAPI interface {
	SetBan(ctx context.Context, actor *entity.Session, userID uint, banned bool) error
	SetRole(ctx context.Context, actor *entity.Session, userID uint, role string) error
	ExportAccounts(ctx context.Context, fn func(batch []entity.Account) error) (int64, error)
}

// AdminHandler обрабатывает /api/admin
type AdminHandler struct {
	admin AdminAPI
}

// NewAdminHandler создает обработчик администрирования
func NewAdminHandler(admin AdminAPI) *AdminHandler {
	return &AdminHandler{admin: admin}
}

// SetBan выставляет или снимает бан пользователя :id
func (h *AdminHandler) SetBan(c *gin.Context) {
	session, ok := requireSession(c)
	if !ok {
		return
	}
	userID := c.GetUint("target_user_id")

	var req dto.SetBanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "error_type": service.ErrInvalidRequest.Error()})
		return
	}

	if err := h.admin.SetBan(c.Request.Context(), session, userID, *req.Banned); err != nil {
		handleLinkError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "banned": *req.Banned})
}

// SetRole меняет роль пользователя :id
func (h *AdminHandler) SetRole(c *gin.Context) {
	session, ok := requireSession(c)
	if !ok {
		return
	}
	userID := c.GetUint("target_user_id")

	var req dto.SetRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "error_type": service.ErrInvalidRequest.Error()})
		return
	}

	if err := h.admin.SetRole(c.Request.Context(), session, userID, req.Role); err != nil {
		handleLinkError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "role": req.Role})
}

// ExportAccounts отдает все привязки в XLSX.
// Строки пишутся потоково через StreamWriter, без удержания всей выборки в памяти.
func (h *AdminHandler) ExportAccounts(c *gin.Context) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Accounts"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		log.Printf("[AdminHandler] Ошибка переименования листа: %v", err)
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		log.Printf("[AdminHandler] Ошибка создания StreamWriter: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create export", "error_type": service.ErrLinkInternal.Error()})
		return
	}

	headers := []interface{}{"Account ID", "User ID", "Provider", "Email", "Role", "Banned", "Linked At"}
	if err := sw.SetRow("A1", headers); err != nil {
		log.Printf("[AdminHandler] Ошибка записи заголовка: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create export", "error_type": service.ErrLinkInternal.Error()})
		return
	}

	row := 2
	total, err := h.admin.ExportAccounts(c.Request.Context(), func(batch []entity.Account) error {
		for _, a := range batch {
			cell, _ := excelize.CoordinatesToCellName(1, row)
			if err := sw.SetRow(cell, accountRow(a)); err != nil {
				return fmt.Errorf("write row %d: %w", row, err)
			}
			row++
		}
		return nil
	})
	if err != nil {
		log.Printf("[AdminHandler] Ошибка экспорта привязок: %v", err)
		handleLinkError(c, err)
		return
	}

	if err := sw.Flush(); err != nil {
		log.Printf("[AdminHandler] Ошибка Flush: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create export", "error_type": service.ErrLinkInternal.Error()})
		return
	}

	filename := fmt.Sprintf("accounts_%s.xlsx", time.Now().UTC().Format("20060102_150405"))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Header("X-Total-Rows", strconv.FormatInt(total, 10))
	c.Status(http.StatusOK)
	if err := f.Write(c.Writer); err != nil {
		log.Printf("[AdminHandler] Ошибка записи XLSX в ответ: %v", err)
	}
}

func accountRow(a entity.Account) []interface{} {
	return []interface{}{
		a.ID,
		a.UserID,
		helper.SanitizeForExcel(a.Provider),
		helper.SanitizeForExcel(a.Email),
		helper.SanitizeForExcel(a.Role),
		a.Banned,
		a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// TargetUserParam кладет :id в контекст для SetBan/SetRole
func TargetUserParam() gin.HandlerFunc {
	return middleware.ExtractUintParam("id", "target_user_id")
}
