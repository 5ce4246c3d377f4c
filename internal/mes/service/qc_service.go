package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/shared/feishu"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QCService 质检同步服务
// 检验记录终结是唯一会改动批次关卡和终检数量的路径，
// production_allowed/dispatch_allowed 与关卡字段在同一事务内联动
type QCService struct {
	qcRepo       *repository.QCRecordRepository
	batchRepo    *repository.BatchRepository
	woRepo       *repository.WorkOrderRepository
	activityRepo *repository.ActivityLogRepository
	rollup       *RollupService
	db           *gorm.DB
	minioClient  *minio.Client
	bucketName   string
	feishuClient *feishu.FeishuClient
	notifyUserID string
}

func NewQCService(
	qcRepo *repository.QCRecordRepository,
	batchRepo *repository.BatchRepository,
	woRepo *repository.WorkOrderRepository,
	activityRepo *repository.ActivityLogRepository,
	rollup *RollupService,
	db *gorm.DB,
) *QCService {
	return &QCService{
		qcRepo:       qcRepo,
		batchRepo:    batchRepo,
		woRepo:       woRepo,
		activityRepo: activityRepo,
		rollup:       rollup,
		db:           db,
	}
}

// SetMinioClient 注入对象存储客户端，检验报告存MinIO
func (s *QCService) SetMinioClient(client *minio.Client, bucketName string) {
	s.minioClient = client
	s.bucketName = bucketName
}

// SetFeishuClient 注入飞书客户端
func (s *QCService) SetFeishuClient(fc *feishu.FeishuClient, notifyUserID string) {
	s.feishuClient = fc
	s.notifyUserID = notifyUserID
}

func validGateType(gate string) bool {
	switch gate {
	case entity.GateMaterial, entity.GateFirstPiece, entity.GateFinal:
		return true
	}
	return false
}

// generateQCCodeTx 事务内生成质检单编码，保证同事务多次立单编码不重
func generateQCCodeTx(tx *gorm.DB) (string, error) {
	year := time.Now().Format("2006")
	prefix := fmt.Sprintf("QC-%s-", year)

	var maxCode string
	if err := tx.Model(&entity.QCRecord{}).
		Select("COALESCE(MAX(qc_code), '')").
		Where("qc_code LIKE ?", prefix+"%").
		Scan(&maxCode).Error; err != nil {
		return "", err
	}

	var seq int
	if maxCode != "" {
		fmt.Sscanf(maxCode, "QC-"+year+"-%04d", &seq)
	}
	seq++
	return fmt.Sprintf("QC-%s-%04d", year, seq), nil
}

// ensureOpenRecords 为批次补开缺失的待检单，在调用方事务内执行
// 同一(工单,批次,关卡)已有未终结记录时跳过
func (s *QCService) ensureOpenRecords(ctx context.Context, tx *gorm.DB, batch *entity.ProductionBatch, gates ...string) error {
	for _, gate := range gates {
		var count int64
		if err := tx.Model(&entity.QCRecord{}).
			Where("work_order_id = ? AND batch_id = ? AND gate_type = ? AND result = ?",
				batch.WorkOrderID, batch.ID, gate, entity.QCResultPending).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}

		code, err := generateQCCodeTx(tx)
		if err != nil {
			return fmt.Errorf("生成质检单编码失败: %w", err)
		}
		now := time.Now()
		record := &entity.QCRecord{
			QCCode:      code,
			WorkOrderID: batch.WorkOrderID,
			BatchID:     batch.ID,
			GateType:    gate,
			Result:      entity.QCResultPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(record).Error; err != nil {
			return fmt.Errorf("自动创建%s检验单失败: %w", gate, err)
		}
	}
	return nil
}

// OpenQCRecordRequest 立检验单请求
type OpenQCRecordRequest struct {
	WorkOrderID string `json:"work_order_id" binding:"required"`
	BatchID     string `json:"batch_id" binding:"required"`
	GateType    string `json:"gate_type" binding:"required"`
	Remark      string `json:"remark"`
}

// OpenRecord 手工立检验单
func (s *QCService) OpenRecord(ctx context.Context, req *OpenQCRecordRequest, operatorID string) (*entity.QCRecord, error) {
	if !validGateType(req.GateType) {
		return nil, &ValidationError{Field: "gate_type", Reason: fmt.Sprintf("无效的关卡类型: %s", req.GateType)}
	}

	batch, err := s.batchRepo.FindByID(ctx, req.BatchID)
	if err != nil {
		return nil, err
	}
	if batch.WorkOrderID != req.WorkOrderID {
		return nil, &ValidationError{Field: "batch_id", Reason: fmt.Sprintf("批次#%d 不属于工单 %s", batch.BatchNumber, req.WorkOrderID)}
	}

	existing, err := s.qcRepo.FindOpen(ctx, req.WorkOrderID, req.BatchID, req.GateType)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, &ValidationError{Field: "gate_type", Reason: fmt.Sprintf("批次#%d %s关卡已有未终结检验单 %s", batch.BatchNumber, req.GateType, existing.QCCode)}
	}

	code, err := s.qcRepo.GenerateCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("生成质检单编码失败: %w", err)
	}

	now := time.Now()
	record := &entity.QCRecord{
		QCCode:      code,
		WorkOrderID: req.WorkOrderID,
		BatchID:     req.BatchID,
		GateType:    req.GateType,
		Result:      entity.QCResultPending,
		Remark:      req.Remark,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.qcRepo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("创建检验单失败: %w", err)
	}

	s.activityRepo.LogActivity(ctx, "qc_record", record.ID, record.QCCode, "open", "", entity.QCResultPending,
		fmt.Sprintf("批次#%d 立%s检验单", batch.BatchNumber, req.GateType), operatorID, nil)
	return record, nil
}

// FinalizeQCRequest 终结检验单请求
type FinalizeQCRequest struct {
	Result       string  `json:"result" binding:"required"`
	InspectedQty float64 `json:"inspected_qty"`
	Remark       string  `json:"remark"`
}

// FinalizeRecord 终结检验单并同步批次关卡
// 终检pass累加qc_approved_qty，fail累加qc_rejected_qty，rework/waived不动数量；
// 已终结记录按同一结论重放时原样返回且无任何副作用，不同结论则拒绝
func (s *QCService) FinalizeRecord(ctx context.Context, recordID string, req *FinalizeQCRequest, approverID string) (*entity.QCRecord, error) {
	if !entity.TerminalQCResult(req.Result) {
		return nil, &ValidationError{Field: "result", Reason: fmt.Sprintf("无效的检验结果: %s", req.Result)}
	}
	if req.InspectedQty < 0 {
		return nil, &ValidationError{Field: "inspected_qty", Reason: "检验数量不能为负数"}
	}

	probe, err := s.qcRepo.FindByID(ctx, recordID)
	if err != nil {
		return nil, err
	}

	var (
		record entity.QCRecord
		replay bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 先锁工单行再锁批次行，所有写路径保持同一加锁顺序
		var wo entity.WorkOrder
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", probe.WorkOrderID).First(&wo).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}
		if wo.Completed {
			return &ValidationError{Field: "work_order", Reason: fmt.Sprintf("工单 %s 已完工，检验单不可再终结", wo.WOCode)}
		}

		if err := tx.Where("id = ?", recordID).First(&record).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}

		if record.Result != entity.QCResultPending {
			if record.Result == req.Result && record.InspectedQty == req.InspectedQty {
				replay = true
				return nil
			}
			return &ValidationError{Field: "result", Reason: fmt.Sprintf("检验单 %s 已终结为 %s，不可变更", record.QCCode, record.Result)}
		}

		var batch entity.ProductionBatch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", record.BatchID).First(&batch).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repository.ErrNotFound
			}
			return err
		}

		now := time.Now()

		if record.GateType == entity.GateFinal && (req.Result == entity.QCResultPass || req.Result == entity.QCResultFail) {
			headroom := batch.ProducedQty - batch.QCApprovedQty - batch.QCRejectedQty
			if req.InspectedQty > headroom {
				return &ValidationError{Field: "inspected_qty",
					Reason: fmt.Sprintf("批次#%d 检验数量 %g 超过未检产量 %g", batch.BatchNumber, req.InspectedQty, headroom)}
			}
		}

		record.Result = req.Result
		record.InspectedQty = req.InspectedQty
		record.Approver = approverID
		if req.Remark != "" {
			record.Remark = req.Remark
		}
		record.FinalizedAt = &now
		record.UpdatedAt = now
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("终结检验单失败: %w", err)
		}

		gateStatus := entity.GateStatusForResult(req.Result)
		switch record.GateType {
		case entity.GateMaterial:
			batch.MaterialGate = gateStatus
			batch.MaterialGateBy = approverID
			batch.MaterialGateAt = &now
		case entity.GateFirstPiece:
			batch.FirstPieceGate = gateStatus
			batch.FirstPieceGateBy = approverID
			batch.FirstPieceGateAt = &now
		case entity.GateFinal:
			batch.FinalGate = gateStatus
			batch.FinalGateBy = approverID
			batch.FinalGateAt = &now
			switch req.Result {
			case entity.QCResultPass:
				batch.QCApprovedQty += req.InspectedQty
			case entity.QCResultFail:
				batch.QCRejectedQty += req.InspectedQty
			}
		default:
			return &ValidationError{Field: "gate_type", Reason: fmt.Sprintf("未知关卡类型: %s", record.GateType)}
		}

		if batch.QCApprovedQty+batch.QCRejectedQty > batch.ProducedQty {
			return &ConsistencyViolation{
				Invariant: "qc_approved + qc_rejected <= produced",
				Detail:    fmt.Sprintf("批次#%d 检验合计 %g 超过产量 %g", batch.BatchNumber, batch.QCApprovedQty+batch.QCRejectedQty, batch.ProducedQty),
			}
		}

		batch.RecomputeEligibility()
		batch.UpdatedAt = now
		if err := tx.Save(&batch).Error; err != nil {
			return fmt.Errorf("同步批次关卡失败: %w", err)
		}

		_, err := s.rollup.Recompute(ctx, tx, wo.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if replay {
		return &record, nil
	}

	s.rollup.InvalidateStatusCache(ctx, record.WorkOrderID)
	s.activityRepo.LogActivity(ctx, "qc_record", record.ID, record.QCCode, "finalize", entity.QCResultPending, record.Result,
		fmt.Sprintf("%s关卡终结为 %s，检验数量 %g", record.GateType, record.Result, record.InspectedQty), approverID, nil)

	if record.GateType == entity.GateFinal && record.Result == entity.QCResultFail {
		go s.sendFinalGateFailedNotification(context.Background(), record)
	}
	return &record, nil
}

// UploadReport 上传检验报告到对象存储，记录上只存对象key
func (s *QCService) UploadReport(ctx context.Context, recordID, fileName string, reader io.Reader, fileSize int64, contentType, operatorID string) (*entity.QCRecord, error) {
	record, err := s.qcRepo.FindByID(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if s.minioClient == nil {
		return nil, fmt.Errorf("对象存储未配置")
	}

	objectName := fmt.Sprintf("qc-reports/%s/%s%s", time.Now().Format("2006/01/02"), uuid.New().String()[:8], filepath.Ext(fileName))
	_, err = s.minioClient.PutObject(ctx, s.bucketName, objectName, reader, fileSize, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("上传检验报告失败: %w", err)
	}

	record.ReportKey = objectName
	record.UpdatedAt = time.Now()
	if err := s.qcRepo.Update(ctx, record); err != nil {
		return nil, err
	}

	s.activityRepo.LogActivity(ctx, "qc_record", record.ID, record.QCCode, "upload_report", "", "",
		fmt.Sprintf("上传检验报告 %s", fileName), operatorID, nil)
	return record, nil
}

// DownloadReport 下载检验报告
func (s *QCService) DownloadReport(ctx context.Context, recordID string) (io.ReadCloser, *entity.QCRecord, error) {
	record, err := s.qcRepo.FindByID(ctx, recordID)
	if err != nil {
		return nil, nil, err
	}
	if record.ReportKey == "" {
		return nil, nil, &ValidationError{Field: "report", Reason: fmt.Sprintf("检验单 %s 没有上传报告", record.QCCode)}
	}
	if s.minioClient == nil {
		return nil, nil, fmt.Errorf("对象存储未配置")
	}

	object, err := s.minioClient.GetObject(ctx, s.bucketName, record.ReportKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("读取检验报告失败: %w", err)
	}
	return object, record, nil
}

// GetRecord 查询检验单详情
func (s *QCService) GetRecord(ctx context.Context, recordID string) (*entity.QCRecord, error) {
	return s.qcRepo.FindByID(ctx, recordID)
}

// ListRecords 查询检验单列表
func (s *QCService) ListRecords(ctx context.Context, page, pageSize int, filters map[string]string) ([]entity.QCRecord, int64, error) {
	return s.qcRepo.FindAll(ctx, page, pageSize, filters)
}

// sendFinalGateFailedNotification 终检不合格飞书通知
func (s *QCService) sendFinalGateFailedNotification(ctx context.Context, record entity.QCRecord) {
	if s.feishuClient == nil || s.notifyUserID == "" {
		return
	}

	batch, err := s.batchRepo.FindByID(ctx, record.BatchID)
	if err != nil {
		log.Printf("[MES] 终检不合格通知取批次失败: %v", err)
		return
	}
	wo, err := s.woRepo.FindByID(ctx, record.WorkOrderID)
	if err != nil {
		log.Printf("[MES] 终检不合格通知取工单失败: %v", err)
		return
	}

	card := feishu.NewFinalGateFailedCard(wo.WOCode, batch.BatchNumber, record.QCCode, record.InspectedQty)
	if err := s.feishuClient.SendUserCard(ctx, s.notifyUserID, card); err != nil {
		log.Printf("[MES] 发送终检不合格通知失败: %v", err)
	} else {
		log.Printf("[MES] 终检不合格通知已发送: %s", record.QCCode)
	}
}
