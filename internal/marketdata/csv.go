package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
)

// csvHeader is the column layout for candle CSV files.
var csvHeader = []string{"timestamp", "asset", "timeframe", "open", "high", "low", "close", "volume"}

// WriteCandlesCSV writes candles to a CSV file, one bar per row.
func WriteCandlesCSV(candles []*domain.Candle, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, c := range candles {
		if err := writer.Write([]string{
			c.Timestamp.Format(time.RFC3339),
			c.Asset,
			string(c.Timeframe),
			c.Open.String(),
			c.High.String(),
			c.Low.String(),
			c.Close.String(),
			c.Volume.String(),
		}); err != nil {
			return err
		}
	}
	return writer.Error()
}

// ReadCandlesCSV loads candles from a CSV file written by WriteCandlesCSV.
func ReadCandlesCSV(filename string) ([]*domain.Candle, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read CSV header from %s: %w", filename, err)
	}
	if len(header) != len(csvHeader) {
		return nil, fmt.Errorf("unexpected CSV header in %s: got %d columns, want %d", filename, len(header), len(csvHeader))
	}

	var candles []*domain.Candle
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read CSV row %d from %s: %w", line, filename, err)
		}
		candle, err := parseCandleRow(row)
		if err != nil {
			return nil, fmt.Errorf("parse CSV row %d from %s: %w", line, filename, err)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

func parseCandleRow(row []string) (*domain.Candle, error) {
	ts, err := time.Parse(time.RFC3339, row[0])
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	prices := make([]decimal.Decimal, 5)
	for i, field := range row[3:8] {
		prices[i], err = decimal.NewFromString(field)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", csvHeader[3+i], err)
		}
	}
	return &domain.Candle{
		Timestamp: ts,
		Asset:     row[1],
		Timeframe: domain.Timeframe(row[2]),
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    prices[4],
	}, nil
}
