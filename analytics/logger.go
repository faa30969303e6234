package analytics

import (
	"os"

	"github.com/mohitkumar/nurture/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFileDataCollector appends execution log entries to a JSON-lines file.
type LogFileDataCollector struct {
	fileName string
	file     *os.File
	logger   *zap.Logger
}

var _ Collector = new(LogFileDataCollector)

func NewLogFileDataCollector(fileName string) (*LogFileDataCollector, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.StacktraceKey = ""
	encoderConfig.CallerKey = ""
	fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
	logFile, err := os.OpenFile(fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(fileEncoder, zapcore.AddSync(logFile), zapcore.InfoLevel)
	return &LogFileDataCollector{
		fileName: fileName,
		file:     logFile,
		logger:   zap.New(core),
	}, nil
}

func (lc *LogFileDataCollector) Record(entry model.ExecutionLogEntry) {
	lc.logger.Info(entry.Outcome,
		zap.String("enrollment", entry.EnrollmentId),
		zap.String("node", entry.NodeId),
		zap.Time("at", entry.Timestamp),
		zap.String("detail", entry.Detail))
}

func (lc *LogFileDataCollector) Close() error {
	lc.logger.Sync()
	return lc.file.Close()
}
