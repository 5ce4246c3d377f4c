package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitfantasy/nimo-mes/internal/config"
	"github.com/bitfantasy/nimo-mes/internal/mes/entity"
	"github.com/bitfantasy/nimo-mes/internal/mes/handler"
	"github.com/bitfantasy/nimo-mes/internal/mes/repository"
	"github.com/bitfantasy/nimo-mes/internal/mes/service"
	"github.com/bitfantasy/nimo-mes/internal/middleware"
	"github.com/bitfantasy/nimo-mes/internal/shared/feishu"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 加载 .env 文件
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	zapLogger, err := initLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zapLogger.Sync()

	zapLogger.Info("Starting nimo-mes service",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	// 初始化数据库
	db, err := initDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// AutoMigrate MES实体
	if err := db.AutoMigrate(
		&entity.WorkOrder{},
		&entity.ProductionBatch{},
		&entity.QCRecord{},
		&entity.ProductionEvent{},
		&entity.Carton{},
		&entity.Dispatch{},
		&entity.ActivityLog{},
	); err != nil {
		zapLogger.Warn("AutoMigrate MES tables warning", zap.Error(err))
	}

	// 部分索引和复合唯一约束 AutoMigrate 表达不了，用原始 SQL
	migrationSQL := []string{
		// 批次序号在工单内连续且唯一
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_mes_batches_wo_number ON mes_production_batches(work_order_id, batch_number)",
		// 一个工单同一时刻最多一个在产批次
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_mes_batches_wo_open ON mes_production_batches(work_order_id) WHERE state = 'open'",
		// 同一批次同一关卡最多一张待检单
		"CREATE UNIQUE INDEX IF NOT EXISTS uq_mes_qc_open_pending ON mes_qc_records(work_order_id, batch_id, gate_type) WHERE result = 'pending'",
	}
	for _, sql := range migrationSQL {
		if err := db.Exec(sql).Error; err != nil {
			zapLogger.Warn("Migration SQL warning (may already exist)", zap.String("sql", sql), zap.Error(err))
		}
	}
	zapLogger.Info("Database migration completed")

	// 初始化Redis
	rdb := initRedis(cfg.Redis)

	// 初始化MinIO客户端（检验报告存储）
	var minioClient *minio.Client
	if cfg.MinIO.Endpoint != "" {
		minioClient, err = minio.New(cfg.MinIO.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, ""),
			Secure: cfg.MinIO.UseSSL,
		})
		if err != nil {
			zapLogger.Warn("Failed to init MinIO client, QC reports disabled", zap.Error(err))
			minioClient = nil
		}
	}

	// 初始化飞书客户端
	var feishuClient *feishu.FeishuClient
	feishuAppID := cfg.Feishu.AppID
	feishuAppSecret := cfg.Feishu.AppSecret
	if envID := os.Getenv("FEISHU_APP_ID"); envID != "" {
		feishuAppID = envID
	}
	if envSecret := os.Getenv("FEISHU_APP_SECRET"); envSecret != "" {
		feishuAppSecret = envSecret
	}
	if feishuAppID != "" && feishuAppSecret != "" {
		feishuClient = feishu.NewClient(feishuAppID, feishuAppSecret)
		zapLogger.Info("Feishu client initialized")
	}

	// 初始化依赖
	repos := repository.NewRepositories(db)
	rollupSvc := service.NewRollupService(repos.WorkOrder, repos.ActivityLog, db, rdb)
	qcSvc := service.NewQCService(repos.QCRecord, repos.Batch, repos.WorkOrder, repos.ActivityLog, rollupSvc, db)
	batchSvc := service.NewBatchService(repos.Batch, repos.WorkOrder, repos.ActivityLog, qcSvc, rollupSvc, db, cfg.Batch.GapDays)
	productionSvc := service.NewProductionService(repos.ProductionEvent, repos.ActivityLog, batchSvc, qcSvc, rollupSvc, db)
	dispatchSvc := service.NewDispatchService(repos.Dispatch, repos.Carton, repos.Batch, repos.WorkOrder, repos.ActivityLog, rollupSvc, db)
	woSvc := service.NewWorkOrderService(repos.WorkOrder, repos.ActivityLog, rollupSvc, db)
	dashboardSvc := service.NewDashboardService(db)

	if minioClient != nil {
		qcSvc.SetMinioClient(minioClient, cfg.MinIO.Bucket)
	}
	if feishuClient != nil {
		qcSvc.SetFeishuClient(feishuClient, cfg.Feishu.NotifyUserID)
		rollupSvc.SetFeishuClient(feishuClient, cfg.Feishu.NotifyUserID)
	}

	handlers := handler.NewHandlers(woSvc, batchSvc, productionSvc, qcSvc, dispatchSvc, rollupSvc, dashboardSvc)

	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建路由
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(zapLogger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(gzip.Gzip(gzip.DefaultCompression))

	// 注册路由
	registerRoutes(router, handlers, cfg)

	// 创建HTTP服务器
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 启动服务器
	go func() {
		zapLogger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}

	zapLogger.Info("Server exited")
}

func initLogger(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	return zapCfg.Build()
}

func initDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return db, nil
}

func initRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func registerRoutes(r *gin.Engine, h *handler.Handlers, cfg *config.Config) {
	// 健康检查
	r.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/health/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// 版本信息
	r.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    Version,
			"build_time": BuildTime,
		})
	})

	// API v1。与PLM/SRM网关保持一致，MES接口统一挂在/mes前缀下
	v1 := r.Group("/api/v1")
	{
		// 需要认证的接口
		authorized := v1.Group("/mes")
		authorized.Use(middleware.JWTAuth(cfg.JWT.Secret))
		{
			// 工单管理
			workOrders := authorized.Group("/work-orders")
			{
				workOrders.GET("", h.WorkOrder.List)
				workOrders.POST("", h.WorkOrder.Create)
				workOrders.GET("/export", h.WorkOrder.Export)
				workOrders.GET("/:id", h.WorkOrder.Get)
				workOrders.PUT("/:id", h.WorkOrder.Update)
				workOrders.PUT("/:id/quantity", h.WorkOrder.ReviseQuantity)
				workOrders.GET("/:id/status", h.WorkOrder.GetStatus)
				workOrders.GET("/:id/completion-check", h.WorkOrder.CheckCompletion)
				workOrders.POST("/:id/complete", h.WorkOrder.Complete)
				workOrders.GET("/:id/activities", h.WorkOrder.Activities)

				// 工单下的批次
				workOrders.GET("/:id/batches", h.Batch.List)
				workOrders.POST("/:id/batches/current", h.Batch.Current)

				// 报工
				workOrders.POST("/:id/production-events", h.Production.Log)
				workOrders.GET("/:id/production-events", h.Production.List)
				workOrders.POST("/:id/production-events/import", h.Production.Import)

				// 工单维度的发货记录
				workOrders.GET("/:id/dispatches", h.Dispatch.ListWorkOrderDispatches)
			}

			// 批次管理
			batches := authorized.Group("/batches")
			{
				batches.GET("/:id", h.Batch.Get)
				batches.POST("/:id/complete-production", h.Batch.CompleteProduction)
				batches.POST("/:id/close", h.Batch.Close)

				// 装箱与发货
				batches.POST("/:id/cartons", h.Dispatch.Pack)
				batches.GET("/:id/cartons", h.Dispatch.ListCartons)
				batches.POST("/:id/dispatches/validate", h.Dispatch.Validate)
				batches.POST("/:id/dispatches", h.Dispatch.Create)
				batches.GET("/:id/dispatches", h.Dispatch.ListBatchDispatches)
			}

			// 质检单
			qcRecords := authorized.Group("/qc-records")
			{
				qcRecords.GET("", h.QC.List)
				qcRecords.POST("", h.QC.Open)
				qcRecords.GET("/:id", h.QC.Get)
				qcRecords.POST("/:id/finalize", h.QC.Finalize)
				qcRecords.POST("/:id/report", h.QC.UploadReport)
				qcRecords.GET("/:id/report", h.QC.DownloadReport)
			}

			// 看板
			authorized.GET("/dashboard/summary", h.Dashboard.Summary)
		}
	}
}
