package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"perpsync/database"
	"perpsync/monitor"
	"perpsync/storage"
)

// getHealth 健康检查
func (ws *WebServer) getHealth(c *gin.Context) {
	ctx, cancel := contextWithTimeout(c, 3*time.Second)
	defer cancel()

	if err := ws.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getPosition 查询当前活跃仓位
func (ws *WebServer) getPosition(c *gin.Context) {
	pos, ok := ws.manager.Active()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"active":    true,
		"cl_ord_id": pos.ClOrdID,
		"signal_id": pos.SignalID,
		"symbol":    pos.Symbol,
		"inst_id":   pos.InstID,
		"pos_side":  pos.PosSide,
		"amount":    pos.Amount,
		"leverage":  pos.Leverage,
		"opened_at": pos.OpenedAt,
	})
}

// getLedger 查询操作台账
func (ws *WebServer) getLedger(c *gin.Context) {
	filter := &database.LedgerFilter{
		ClOrdID:   c.Query("cl_ord_id"),
		OrdID:     c.Query("ord_id"),
		Symbol:    c.Query("symbol"),
		PosSide:   c.Query("pos_side"),
		Operation: c.Query("operation"),
		Source:    c.Query("source"),
		Limit:     queryInt(c, "limit", 100),
		Offset:    queryInt(c, "offset", 0),
	}
	filter.StartTime = queryTime(c, "start_time")
	filter.EndTime = queryTime(c, "end_time")

	ctx, cancel := contextWithTimeout(c, 5*time.Second)
	defer cancel()

	entries, err := ws.db.GetLedgerEntries(ctx, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// getEvents 查询事件记录
func (ws *WebServer) getEvents(c *gin.Context) {
	filter := &database.EventFilter{
		Type:     c.Query("type"),
		Severity: c.Query("severity"),
		Symbol:   c.Query("symbol"),
		Limit:    queryInt(c, "limit", 100),
		Offset:   queryInt(c, "offset", 0),
	}
	filter.StartTime = queryTime(c, "start_time")
	filter.EndTime = queryTime(c, "end_time")

	ctx, cancel := contextWithTimeout(c, 5*time.Second)
	defer cancel()

	events, err := ws.db.GetEvents(ctx, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// getSnapshots 查询平仓快照
func (ws *WebServer) getSnapshots(c *gin.Context) {
	filter := &database.SnapshotFilter{
		InstID:  c.Query("inst_id"),
		PosSide: c.Query("pos_side"),
		Limit:   queryInt(c, "limit", 100),
		Offset:  queryInt(c, "offset", 0),
	}
	filter.StartTime = queryTime(c, "start_time")
	filter.EndTime = queryTime(c, "end_time")

	ctx, cancel := contextWithTimeout(c, 5*time.Second)
	defer cancel()

	snapshots, err := ws.db.GetPositionSnapshots(ctx, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots, "count": len(snapshots)})
}

// getLogs 查询运行日志
func (ws *WebServer) getLogs(c *gin.Context) {
	if ws.logStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "日志存储未启用"})
		return
	}

	params := storage.LogQueryParams{
		Level:   c.Query("level"),
		Keyword: c.Query("keyword"),
		Limit:   queryInt(c, "limit", 100),
		Offset:  queryInt(c, "offset", 0),
	}
	if t := queryTime(c, "start_time"); t != nil {
		params.StartTime = *t
	}
	if t := queryTime(c, "end_time"); t != nil {
		params.EndTime = *t
	}

	logs, total, err := ws.logStore.GetLogs(params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": total})
}

// getStatus 系统运行状态
func (ws *WebServer) getStatus(c *gin.Context) {
	stopLoss, trade, query := ws.dispatcher.QueueDepths()

	c.JSON(http.StatusOK, gin.H{
		"active_position": ws.manager.HasActivePosition(),
		"queue_depths": gin.H{
			"stop_loss": stopLoss,
			"trade":     trade,
			"query":     query,
		},
		"runtime": monitor.GetGoRuntimeStats(),
	})
}

// contextWithTimeout 基于请求上下文派生带超时的上下文
func contextWithTimeout(c *gin.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), d)
}

// queryInt 解析整型查询参数
func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryTime 解析 RFC3339 时间查询参数
func queryTime(c *gin.Context, key string) *time.Time {
	v := c.Query(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
