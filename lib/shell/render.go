// Copyright 2026 The Autopeer Authors
// SPDX-License-Identifier: Apache-2.0

package shell

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/autopeer-foundation/autopeer/lib/peering"
)

var (
	tableBorderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableCellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorderStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		}).
		Headers(headers...)
}

// renderASNTable shows the maintainer's AS numbers before an AS
// selection prompt.
func (s *Shell) renderASNTable(asns []uint32) string {
	t := newTable("Your AS numbers")
	for _, asn := range asns {
		t.Row("AS" + strconv.FormatUint(uint64(asn), 10))
	}
	return t.Render()
}

// renderPeeringTable shows the maintainer's peerings with their
// derived tunnel parameters.
func (s *Shell) renderPeeringTable(records map[uint32]peering.Record) string {
	t := newTable("AS number", "Slot", "Endpoint", "Port", "Peer link-local", "Local port")
	for _, asn := range sortedASNs(records) {
		record := records[asn]
		t.Row(
			"AS"+strconv.FormatUint(uint64(asn), 10),
			strconv.Itoa(record.SlotID),
			record.EndpointAddress,
			strconv.Itoa(record.EndpointPort),
			record.PeerLinkLocal(s.config.Params.LinkLocalPrefix),
			fmt.Sprintf("%d", record.LocalListenPort(s.config.Params.BasePort)),
		)
	}
	return t.Render()
}
