package eventcore

import (
	"github.com/drblury/eventcore/eventstore"
	"github.com/drblury/eventcore/eventstore/postgres"
	"github.com/drblury/eventcore/eventstore/sqlite"
	"github.com/drblury/eventcore/eventstore/sqlstore"
	runtimepkg "github.com/drblury/eventcore/internal/runtime"
	configpkg "github.com/drblury/eventcore/internal/runtime/config"
	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
	handlerpkg "github.com/drblury/eventcore/internal/runtime/handlers"
	idspkg "github.com/drblury/eventcore/internal/runtime/ids"
	jsoncodec "github.com/drblury/eventcore/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/eventcore/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventcore/internal/runtime/metadata"
	"github.com/drblury/eventcore/transport"
	"google.golang.org/protobuf/proto"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	// Store
	EventStore       = eventstore.EventStore
	TokenStore       = eventstore.TokenStore
	IdempotencyGuard = eventstore.IdempotencyGuard
	PersistedEvent   = eventstore.PersistedEvent
	EventData        = eventstore.EventData
	AppendResult     = eventstore.AppendResult
	ExpectedVersion  = eventstore.ExpectedVersion
	ReadAllOptions   = eventstore.ReadAllOptions
	TrackingToken    = eventstore.TrackingToken
	SQLStore         = sqlstore.Store
	SQLStoreOption   = sqlstore.Option
	DeadLetterTable  = sqlstore.DeadLetterTable
	DeadLetterFilter = sqlstore.DeadLetterFilter

	// Dead letters
	DeadLetter          = eventstore.DeadLetter
	DeadLetterReason    = eventstore.DeadLetterReason
	DeadLetterSink      = eventstore.DeadLetterSink
	DeadLetterSinkFunc  = eventstore.DeadLetterSinkFunc
	MultiSink           = runtimepkg.MultiSink
	TopicDeadLetterSink = runtimepkg.TopicDeadLetterSink

	// Publishing
	Relay           = runtimepkg.Relay
	RelayConfig     = runtimepkg.RelayConfig
	PublishingStore = runtimepkg.PublishingStore
	EventPublisher  = runtimepkg.EventPublisher
	Producer        = runtimepkg.Producer

	// Consuming
	Consumer                   = runtimepkg.Consumer
	ConsumerConfig             = runtimepkg.ConsumerConfig
	ConsumerRegistration       = runtimepkg.ConsumerRegistration
	MessageHandlerRegistration = runtimepkg.MessageHandlerRegistration
	Delivery                   = runtimepkg.Delivery
	HandlerFunc                = runtimepkg.HandlerFunc
	TrackingProcessor          = runtimepkg.TrackingProcessor
	TrackingConfig             = runtimepkg.TrackingConfig
	InitialPosition            = runtimepkg.InitialPosition
	Outcome                    = errspkg.Outcome

	EventContext                       = handlerpkg.EventContext
	JSONEventContext[T any]            = handlerpkg.JSONEventContext[T]
	JSONEventHandler[T any]            = handlerpkg.JSONEventHandler[T]
	ProtoEventContext[T proto.Message] = handlerpkg.ProtoEventContext[T]
	ProtoEventHandler[T proto.Message] = handlerpkg.ProtoEventHandler[T]

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Runnable     = runtimepkg.Runnable
	RunnableFunc = runtimepkg.RunnableFunc

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Metrics and statistics
	DeliveryMetrics       = runtimepkg.DeliveryMetrics
	DLQMetrics            = runtimepkg.DLQMetrics
	DLQReasonMetrics      = runtimepkg.DLQReasonMetrics
	DLQMetricsSnapshot    = runtimepkg.DLQMetricsSnapshot
	ConsumerStats         = runtimepkg.ConsumerStats
	ConsumerStatsSnapshot = runtimepkg.ConsumerStatsSnapshot

	// Errors
	ConfigValidationError    = errspkg.ConfigValidationError
	ConcurrencyConflictError = errspkg.ConcurrencyConflictError
	StorageError             = errspkg.StorageError
	PublishError             = errspkg.PublishError
	TenantMismatchError      = errspkg.TenantMismatchError
	ConsumptionError         = errspkg.ConsumptionError

	// Transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load

	// Stores
	OpenSQLite   = sqlite.Open
	OpenPostgres = postgres.Open
	StreamID     = eventstore.StreamID
	SegmentOf    = eventstore.SegmentOf
	AnyVersion   = eventstore.Any
	NoStream     = eventstore.NoStream
	ExactVersion = eventstore.Exact

	WithTables        = sqlstore.WithTables
	WithBatchSize     = sqlstore.WithBatchSize
	WithReadTimeout   = sqlstore.WithReadTimeout
	WithAppendTimeout = sqlstore.WithAppendTimeout
	WithStoreLogger   = sqlstore.WithLogger

	// Publishing
	NewRelay               = runtimepkg.NewRelay
	RelayConfigFromConfig  = runtimepkg.RelayConfigFromConfig
	NewPublishingStore     = runtimepkg.NewPublishingStore
	NewTopicDeadLetterSink = runtimepkg.NewTopicDeadLetterSink
	AppendJSON             = runtimepkg.AppendJSON
	AppendProto            = runtimepkg.AppendProto
	JSONEvent              = handlerpkg.JSONEvent
	ProtoEvent             = handlerpkg.ProtoEvent

	// Consuming
	NewConsumer            = runtimepkg.NewConsumer
	NewTrackingProcessor   = runtimepkg.NewTrackingProcessor
	RegisterConsumer       = runtimepkg.RegisterConsumer
	RegisterMessageHandler = runtimepkg.RegisterMessageHandler
	RunAll                 = runtimepkg.RunAll

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewDeliveryMetrics = runtimepkg.NewDeliveryMetrics
	NewDLQMetrics      = runtimepkg.NewDLQMetrics

	// Failure classification for handlers.
	Retryable = errspkg.Retryable
	Poison    = errspkg.Poison
	Classify  = errspkg.Classify

	// Transport registry. Blank-import a package under transport/ to add it.
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrServiceRequired       = errspkg.ErrServiceRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired   = errspkg.ErrHandlerNameRequired
	ErrProcessorNameRequired = errspkg.ErrProcessorNameRequired
	ErrPublisherRequired     = errspkg.ErrPublisherRequired
	ErrSubscriberRequired    = errspkg.ErrSubscriberRequired
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrStoreRequired         = errspkg.ErrStoreRequired
	ErrDuplicateHandler      = errspkg.ErrDuplicateHandler
	ErrRelayClosed           = errspkg.ErrRelayClosed
	ErrConcurrencyConflict   = errspkg.ErrConcurrencyConflict
	ErrStorageUnavailable    = errspkg.ErrStorageUnavailable
	ErrPublishExhausted      = errspkg.ErrPublishExhausted
	ErrPublishBacklogFull    = errspkg.ErrPublishBacklogFull
	ErrRetryable             = errspkg.ErrRetryable
	ErrPoison                = errspkg.ErrPoison
	ErrTenantMismatch        = errspkg.ErrTenantMismatch
	ErrNoEvents              = errspkg.ErrNoEvents
	ErrDeadLetterNotFound    = sqlstore.ErrDeadLetterNotFound
	ErrUnknownTransport      = transport.ErrUnknownTransport

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	NewEventID       = idspkg.NewEventID
	NewCorrelationID = idspkg.NewCorrelationID
)

const (
	StoreSQLite   = configpkg.StoreSQLite
	StorePostgres = configpkg.StorePostgres

	StartAtTail = runtimepkg.StartAtTail
	StartAtHead = runtimepkg.StartAtHead

	ReasonPublishExhausted = eventstore.ReasonPublishExhausted
	ReasonPoison           = eventstore.ReasonPoison
	ReasonRejected         = eventstore.ReasonRejected

	OutcomeApplied   = errspkg.OutcomeApplied
	OutcomeRetry     = errspkg.OutcomeRetry
	OutcomePoison    = errspkg.OutcomePoison
	OutcomeDuplicate = errspkg.OutcomeDuplicate
	OutcomeIgnored   = errspkg.OutcomeIgnored

	ConsumerStatsPath = runtimepkg.ConsumerStatsPath
)

// Metadata keys callers may read on deliveries.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyEventSchema   = metadatapkg.KeyEventSchema
	MetadataKeyTenantID      = metadatapkg.KeyTenantID
)

func RegisterJSONHandler[T any](c *Consumer, eventType string, handler JSONEventHandler[T]) error {
	return runtimepkg.RegisterJSONHandler(c, eventType, handler)
}

func RegisterProtoHandler[T proto.Message](c *Consumer, eventType string, handler ProtoEventHandler[T]) error {
	return runtimepkg.RegisterProtoHandler(c, eventType, handler)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return runtimepkg.NewProtoMessage[T]()
}

func MustProtoMessage[T proto.Message]() T {
	return runtimepkg.MustProtoMessage[T]()
}
