// Package report renders device inventories as spreadsheets.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/xiaoxiaolai/http2-node/internal/export"
	"github.com/xiaoxiaolai/http2-node/internal/models"
	"github.com/xiaoxiaolai/http2-node/internal/repository"
)

const (
	SheetName   = "Devices"
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	timeLayout  = "2006-01-02 15:04:05"
)

// InventoryHeader 设备清单表头
var InventoryHeader = []string{
	"Serial Number",
	"Application ID",
	"Device Group",
	"Owner",
	"Name",
	"Device Type",
	"Status",
	"Status Priority",
	"Alarm Status",
	"Malfunction Status",
	"Deployed",
	"Battery",
	"Firmware Version",
	"Last Updated",
}

var columnWidths = []float64{20, 20, 16, 20, 20, 15, 12, 14, 12, 18, 10, 10, 18, 20}

func inventoryRow(rec *models.DeviceRecord) []any {
	alarm := "normal"
	if rec.AlarmStatus == models.AlarmStatusAlarming {
		alarm = "alarm"
	}
	malfunction := "normal"
	if rec.MalfunctionStatus == models.MalfunctionStatusFaulty {
		malfunction = "faulty"
	}
	deployed := "No"
	if rec.DeployFlag {
		deployed = "Yes"
	}
	var battery any
	if rec.SensorData.Battery != nil {
		battery = *rec.SensorData.Battery
	}
	var lastUpdated any
	if rec.LastUpdatedTime != nil {
		lastUpdated = rec.LastUpdatedTime.UTC().Format(timeLayout)
	}
	return []any{
		rec.SerialNumber,
		rec.ApplicationID,
		rec.DeviceGroup,
		rec.Owner,
		rec.Name,
		rec.DeviceType,
		rec.Status.String(),
		rec.StatusPriority,
		alarm,
		malfunction,
		deployed,
		battery,
		rec.FirmwareVersion,
		lastUpdated,
	}
}

// WriteInventory drains cursor into a one-sheet workbook and writes it to w.
// Rows go through the excelize stream writer, which spills to a temp file
// for large inventories. Nothing is written to w unless every record was
// read; a cursor failure is returned as *export.StoreReadError.
func WriteInventory(ctx context.Context, cursor repository.Cursor, w io.Writer) (int, error) {
	defer cursor.Close()

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return 0, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return 0, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create header style: %w", err)
	}

	sw, err := f.NewStreamWriter(SheetName)
	if err != nil {
		return 0, fmt.Errorf("failed to open stream writer: %w", err)
	}
	for i, width := range columnWidths {
		if err := sw.SetColWidth(i+1, i+1, width); err != nil {
			return 0, fmt.Errorf("failed to set column width: %w", err)
		}
	}
	// 冻结表头
	if err := sw.SetPanes(&excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return 0, fmt.Errorf("failed to freeze panes: %w", err)
	}

	header := make([]any, len(InventoryHeader))
	for i, h := range InventoryHeader {
		header[i] = excelize.Cell{StyleID: headerStyle, Value: h}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return 0, fmt.Errorf("failed to write header: %w", err)
	}

	rows := 0
	for {
		if err := ctx.Err(); err != nil {
			return rows, err
		}
		rec, err := cursor.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return rows, ctx.Err()
			}
			return rows, &export.StoreReadError{Err: err}
		}
		rows++
		if err := sw.SetRow("A"+strconv.Itoa(rows+1), inventoryRow(rec)); err != nil {
			return rows, fmt.Errorf("failed to write row for %s: %w", rec.SerialNumber, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return rows, fmt.Errorf("failed to flush sheet: %w", err)
	}

	if err := f.SetDocProps(&excelize.DocProperties{
		Title:   "Device inventory",
		Created: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return rows, fmt.Errorf("failed to set document properties: %w", err)
	}
	if err := f.Write(w); err != nil {
		return rows, fmt.Errorf("failed to write workbook: %w", err)
	}
	return rows, nil
}
