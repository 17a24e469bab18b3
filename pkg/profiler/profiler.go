// Package profiler включает pprof для долгоживущего процесса опроса:
// HTTP endpoints и запись CPU/heap профилей в файлы.
package profiler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	runtimepprof "runtime/pprof"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config представляет конфигурацию профилировщика
type Config struct {
	Enable      bool   // включить профилирование
	HTTPPort    int    // порт для HTTP сервера pprof, 0 - без сервера
	CPUProfile  string // путь к файлу CPU профиля
	MemProfile  string // путь к файлу профиля памяти
	ProfileTime int    // время записи CPU профиля в секундах
}

// Profiler управляет профилированием приложения
type Profiler struct {
	config Config
	logger *zap.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	cpuFile    *os.File
	cpuTimer   *time.Timer
}

// New создает новый профилировщик
func New(config Config, logger *zap.Logger) *Profiler {
	return &Profiler{
		config: config,
		logger: logger,
	}
}

// Addr адрес HTTP сервера pprof или пустая строка
func (p *Profiler) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Start запускает профилирование
func (p *Profiler) Start() error {
	if !p.config.Enable {
		p.logger.Debug("Profiling disabled")
		return nil
	}

	p.logger.Info("Starting profiler",
		zap.Int("http_port", p.config.HTTPPort),
		zap.String("cpu_profile", p.config.CPUProfile),
		zap.String("mem_profile", p.config.MemProfile))

	if err := p.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start pprof HTTP server: %w", err)
	}

	if p.config.CPUProfile != "" {
		if err := p.startCPUProfile(); err != nil {
			return multierr.Append(fmt.Errorf("failed to start CPU profiling: %w", err), p.Stop())
		}
	}

	return nil
}

// Stop останавливает профилирование и дописывает профиль памяти
func (p *Profiler) Stop() error {
	if !p.config.Enable {
		return nil
	}

	var errs error

	if err := p.stopCPUProfile(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to stop CPU profiling: %w", err))
	}

	if p.config.MemProfile != "" {
		if err := p.writeMemProfile(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to write memory profile: %w", err))
		}
	}

	p.mu.Lock()
	server := p.httpServer
	p.httpServer = nil
	p.mu.Unlock()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}

	if errs != nil {
		return errs
	}

	p.logger.Info("Profiler stopped")
	return nil
}

// startHTTPServer запускает HTTP сервер для pprof endpoints
func (p *Profiler) startHTTPServer() error {
	if p.config.HTTPPort <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Добавляем информационный endpoint
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `
Hardware Telemetry Profiler

Available endpoints:
- /debug/pprof/          - pprof index
- /debug/pprof/profile   - CPU profile (30s)
- /debug/pprof/heap      - heap profile
- /debug/pprof/goroutine - goroutine profile

Usage examples:
go tool pprof http://localhost:%d/debug/pprof/profile
go tool pprof http://localhost:%d/debug/pprof/heap
`, p.config.HTTPPort, p.config.HTTPPort)
	})

	ln, err := net.Listen("tcp", net.JoinHostPort("localhost", strconv.Itoa(p.config.HTTPPort)))
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	p.mu.Lock()
	p.httpServer = server
	p.listener = ln
	p.mu.Unlock()

	go func() {
		p.logger.Info("Starting pprof HTTP server",
			zap.String("addr", ln.Addr().String()))

		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("pprof HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// startCPUProfile начинает CPU профилирование в файл
func (p *Profiler) startCPUProfile() error {
	file, err := os.Create(p.config.CPUProfile)
	if err != nil {
		return fmt.Errorf("failed to create CPU profile file: %w", err)
	}

	if err := runtimepprof.StartCPUProfile(file); err != nil {
		file.Close()
		return fmt.Errorf("failed to start CPU profiling: %w", err)
	}

	p.mu.Lock()
	p.cpuFile = file
	// Автоматически останавливаем через заданное время
	if p.config.ProfileTime > 0 {
		p.cpuTimer = time.AfterFunc(time.Duration(p.config.ProfileTime)*time.Second, func() {
			if err := p.stopCPUProfile(); err != nil {
				p.logger.Warn("Failed to stop CPU profiling", zap.Error(err))
			}
		})
	}
	p.mu.Unlock()

	p.logger.Info("Started CPU profiling", zap.String("file", p.config.CPUProfile))
	return nil
}

// stopCPUProfile останавливает CPU профилирование
func (p *Profiler) stopCPUProfile() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cpuTimer != nil {
		p.cpuTimer.Stop()
		p.cpuTimer = nil
	}
	if p.cpuFile == nil {
		return nil
	}

	runtimepprof.StopCPUProfile()

	file := p.cpuFile
	p.cpuFile = nil
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close CPU profile file: %w", err)
	}

	p.logger.Info("Stopped CPU profiling", zap.String("file", p.config.CPUProfile))
	return nil
}

// writeMemProfile записывает профиль памяти в файл
func (p *Profiler) writeMemProfile() error {
	file, err := os.Create(p.config.MemProfile)
	if err != nil {
		return fmt.Errorf("failed to create memory profile file: %w", err)
	}
	defer file.Close()

	// Принудительно запускаем GC для точного профиля памяти
	runtime.GC()

	if err := runtimepprof.WriteHeapProfile(file); err != nil {
		return fmt.Errorf("failed to write memory profile: %w", err)
	}

	p.logger.Info("Written memory profile", zap.String("file", p.config.MemProfile))
	return nil
}

// LogMemStats логирует статистику памяти процесса вместе с
// дополнительными полями вызывающей стороны
func (p *Profiler) LogMemStats(fields ...zap.Field) {
	if !p.config.Enable {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fields = append([]zap.Field{
		zap.Uint64("alloc_mb", m.Alloc/1024/1024),
		zap.Uint64("total_alloc_mb", m.TotalAlloc/1024/1024),
		zap.Uint64("sys_mb", m.Sys/1024/1024),
		zap.Uint32("num_gc", m.NumGC),
		zap.Int("goroutines", runtime.NumGoroutine()),
	}, fields...)
	p.logger.Info("Memory statistics", fields...)
}
