package reports

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
	"github.com/xuri/excelize/v2"
)

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}

// ExportRunsExcel streams the firm's run history as an xlsx workbook.
func ExportRunsExcel(ctx context.Context, w http.ResponseWriter, clientId *uint) error {
	runs, err := models.GetRuns(ctx, clientId, nil, 500)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	if _, err := f.NewSheet("Sheet1"); err != nil {
		return err
	}

	// Add headers
	f.SetCellValue("Sheet1", "A1", "RunId")
	f.SetCellValue("Sheet1", "B1", "ClientId")
	f.SetCellValue("Sheet1", "C1", "RealmId")
	f.SetCellValue("Sheet1", "D1", "Type")
	f.SetCellValue("Sheet1", "E1", "Status")
	f.SetCellValue("Sheet1", "F1", "ActionItems")
	f.SetCellValue("Sheet1", "G1", "Color")
	f.SetCellValue("Sheet1", "H1", "SheetUrl")
	f.SetCellValue("Sheet1", "I1", "StartedAt")
	f.SetCellValue("Sheet1", "J1", "CompletedAt")
	f.SetCellValue("Sheet1", "K1", "Error")

	// Add data
	for i, run := range runs {
		row := fmt.Sprint(i + 2)
		f.SetCellValue("Sheet1", "A"+row, run.RunId)
		f.SetCellValue("Sheet1", "B"+row, run.ClientId)
		f.SetCellValue("Sheet1", "C"+row, run.RealmId)
		f.SetCellValue("Sheet1", "D"+row, run.RunType)
		f.SetCellValue("Sheet1", "E"+row, run.Status)
		f.SetCellValue("Sheet1", "F"+row, utils.DereferencePtr(run.ActionItemsCount))
		f.SetCellValue("Sheet1", "G"+row, run.StatusColor)
		f.SetCellValue("Sheet1", "H"+row, run.SheetUrl)
		f.SetCellValue("Sheet1", "I"+row, formatTimePtr(run.StartedAt))
		f.SetCellValue("Sheet1", "J"+row, formatTimePtr(run.CompletedAt))
		f.SetCellValue("Sheet1", "K"+row, run.ErrorMessage)
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=runs.xlsx")
	return f.Write(w)
}

// ExportClientsExcel streams the firm's client roster with current traffic
// lights.
func ExportClientsExcel(ctx context.Context, w http.ResponseWriter) error {
	clients, err := models.GetAllClients(ctx)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	if _, err := f.NewSheet("Sheet1"); err != nil {
		return err
	}

	f.SetCellValue("Sheet1", "A1", "Name")
	f.SetCellValue("Sheet1", "B1", "RealmId")
	f.SetCellValue("Sheet1", "C1", "Connection")
	f.SetCellValue("Sheet1", "D1", "Color")
	f.SetCellValue("Sheet1", "E1", "ActionItems")
	f.SetCellValue("Sheet1", "F1", "LastSync")
	f.SetCellValue("Sheet1", "G1", "SheetUrl")

	for i, client := range clients {
		row := fmt.Sprint(i + 2)
		f.SetCellValue("Sheet1", "A"+row, client.Name)
		f.SetCellValue("Sheet1", "B"+row, client.RealmId)
		f.SetCellValue("Sheet1", "C"+row, client.ConnectionStatus)
		f.SetCellValue("Sheet1", "D"+row, client.StatusColor)
		f.SetCellValue("Sheet1", "E"+row, utils.DereferencePtr(client.ActionItemsCount))
		f.SetCellValue("Sheet1", "F"+row, formatTimePtr(client.LastSyncAt))
		f.SetCellValue("Sheet1", "G"+row, client.SheetUrl)
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=clients.xlsx")
	return f.Write(w)
}
