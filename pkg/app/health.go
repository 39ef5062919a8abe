package app

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/womat/debug"
)

type healthData struct {
	NumGoroutines      int
	NumCPU             int
	HeapAllocatedBytes uint64
	HeapAllocatedMB    uint64
	SysMemoryBytes     uint64
	SysMemoryMB        uint64
	Version            string
	ProgLang           string
	HostName           string
	Time               string
}

// HandleHealth returns data about the health of myself.
func (app *App) HandleHealth() fiber.Handler {
	bToMb := func(b uint64) uint64 {
		return b / 1024 / 1024
	}

	host, _ := os.Hostname()

	return func(ctx *fiber.Ctx) error {
		debug.InfoLog.Print("web request health")

		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		ctx.Status(http.StatusOK)
		return ctx.JSON(healthData{
			NumGoroutines:      runtime.NumGoroutine(),
			NumCPU:             runtime.NumCPU(),
			HeapAllocatedBytes: m.Alloc,
			HeapAllocatedMB:    bToMb(m.Alloc),
			SysMemoryBytes:     m.Sys,
			SysMemoryMB:        bToMb(m.Sys),
			ProgLang:           runtime.Version(),
			Version:            VERSION,
			HostName:           host,
			Time:               time.Now().Format(time.RFC3339),
		})
	}
}
