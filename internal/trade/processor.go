package trade

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "solscope/internal/errors"
	"solscope/internal/observability/alerting"
	"solscope/internal/observability/metrics"
	"solscope/pkg/logger"
)

// Processor 负责从队列消费交易并交给执行器成交。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动交易处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置交易消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, tradeID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	trade, err := p.store.Claim(ctx, tradeID)
	if err != nil {
		if stdErrors.Is(err, ErrTradeNotFound) || stdErrors.Is(err, ErrTradeCompleted) || stdErrors.Is(err, ErrTradeExhausted) {
			p.logDebug("跳过交易", slog.String("trade_id", tradeID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取交易失败", slog.Any("error", err), slog.String("trade_id", tradeID))
		p.emitAlert(ctx, &Trade{ID: tradeID}, CodeTradeProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.Execute(ctx, trade)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, trade, execErr)
	}

	var record ExecutionResult
	if result != nil {
		record = *result
	}
	if err := p.store.MarkFilled(ctx, trade.ID, record); err != nil {
		logger.L().Error("标记交易成交状态失败", slog.Any("error", err), slog.String("trade_id", trade.ID))
		if storeErr := p.store.MarkFailed(ctx, trade.ID, CodeTradeProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("trade_id", trade.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, trade.ID); pubErr != nil {
			return xerrors.Wrap(CodeTradePublish, pubErr, fmt.Sprintf("交易 %s 在标记成交失败后重投失败", trade.ID))
		}
		logger.Audit().Warn("交易标记成交失败后重试",
			slog.String("trade_id", trade.ID),
			slog.String("market", trade.Market),
			slog.String("error", err.Error()),
		)
		return nil
	}
	metrics.ObserveTradeOutcome(trade.Side, trade.Market, "filled")
	logger.Audit().Info("交易成交",
		slog.String("trade_id", trade.ID),
		slog.String("owner", trade.Owner),
		slog.String("side", trade.Side),
		slog.String("market", trade.Market),
		slog.Uint64("received", record.Received),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, trade *Trade, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTradeProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := trade.Attempts >= trade.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, trade, execErr); recErr != nil {
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", recErr),
				slog.String("trade_id", trade.ID))
		} else if fallback != nil {
			if err := p.store.MarkFilled(ctx, trade.ID, *fallback); err != nil {
				logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("trade_id", trade.ID))
				if storeErr := p.store.MarkFailed(ctx, trade.ID, code, err.Error(), false); storeErr != nil {
					logger.L().Error("降级失败后的回写失败状态出错", slog.Any("error", storeErr), slog.String("trade_id", trade.ID))
					return storeErr
				}
				if pubErr := p.producer.Publish(ctx, trade.ID); pubErr != nil {
					return xerrors.Wrap(CodeTradePublish, pubErr, fmt.Sprintf("交易 %s 在降级失败后重投失败", trade.ID))
				}
				return nil
			}
			logger.Audit().Warn("交易降级完成",
				slog.String("trade_id", trade.ID),
				slog.String("market", trade.Market),
			)
			p.emitAlert(ctx, trade, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, trade.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记交易失败状态出错", slog.Any("error", storeErr), slog.String("trade_id", trade.ID))
		return storeErr
	}
	metrics.ObserveTradeOutcome(trade.Side, trade.Market, "failed")
	logger.Audit().Warn("交易执行失败",
		slog.String("trade_id", trade.ID),
		slog.String("owner", trade.Owner),
		slog.String("market", trade.Market),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", trade.Attempts),
		slog.Int("max_retries", trade.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, trade, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, trade.ID); pubErr != nil {
			return xerrors.Wrap(CodeTradePublish, pubErr, fmt.Sprintf("交易 %s 重投失败", trade.ID))
		}
		p.logDebug("交易已重新排队", slog.String("trade_id", trade.ID), slog.Int("attempts", trade.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, trade *Trade, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || trade == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TradeID:    trade.ID,
		Owner:      trade.Owner,
		Market:     trade.Market,
		Attempts:   trade.Attempts,
		MaxRetries: trade.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("trade_id", trade.ID),
			slog.String("stage", stage),
		)
	}
}
