package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

var ErrDispatcherClosed = errors.New("DISPATCHER_CLOSED")

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞主提交流程（协调器只负责入队）
// - Kafka 短暂不可用时靠队列吸收，后台慢慢补发
// - 事件不要求强一致，重试耗尽后丢弃并记录日志
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      zerolog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan DocOpEvent
	wg     sync.WaitGroup

	// 关闭超时后中断正在进行的退避
	stop   context.Context
	cancel context.CancelFunc

	// 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o KafkaDispatcherOptions) withDefaults() KafkaDispatcherOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	return o
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt KafkaDispatcherOptions, log zerolog.Logger) *KafkaDispatcher {
	opt = opt.withDefaults()
	stop, cancel := context.WithCancel(context.Background())
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		log:         log.With().Str("component", "kafka_dispatcher").Str("topic", topic).Logger(),
		queue:       make(chan DocOpEvent, opt.QueueSize),
		stop:        stop,
		cancel:      cancel,
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue 把事件放入本地队列；队列满时等待直到 ctx 结束
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocOpEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.baseBackoff
	b.MaxInterval = d.maxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.maxRetry)), d.stop)
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocOpEvent) {
	send := func() error {
		if d.sem != nil {
			// worker 允许一直等待，不影响主链路
			if err := d.sem.Acquire(d.stop); err != nil {
				return backoff.Permanent(err)
			}
			defer d.sem.Release()
		}
		return d.sendOnce(evt)
	}
	notify := func(err error, wait time.Duration) {
		d.log.Warn().Err(err).Str("doc", evt.DocID).Uint64("position", evt.Position).
			Dur("retry_in", wait).Int("worker", workerID).Msg("kafka send failed")
	}
	if err := backoff.RetryNotify(send, d.backoff(), notify); err != nil {
		d.log.Error().Err(err).Str("doc", evt.DocID).Str("op", evt.OperationID).
			Int("worker", workerID).Msg("kafka send failed, drop event")
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocOpEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(err)
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID), // 以 docId 做 key，便于按文档分区
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// Close 停止接收新事件，等待队列发送完毕；ctx 结束时放弃剩余重试
func (d *KafkaDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
