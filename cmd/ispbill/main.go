// Command ispbill runs the whole billing engine in one process: HTTP API,
// scheduler and outbox dispatcher. The apps/ entrypoints split the same
// modules across dedicated processes.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/nusalink/ispbill/internal/audit"
	"github.com/nusalink/ispbill/internal/clock"
	"github.com/nusalink/ispbill/internal/config"
	"github.com/nusalink/ispbill/internal/coupon"
	"github.com/nusalink/ispbill/internal/customer"
	"github.com/nusalink/ispbill/internal/dunning"
	"github.com/nusalink/ispbill/internal/fup"
	"github.com/nusalink/ispbill/internal/invoice"
	"github.com/nusalink/ispbill/internal/ledger"
	"github.com/nusalink/ispbill/internal/lifecycle"
	"github.com/nusalink/ispbill/internal/logger"
	"github.com/nusalink/ispbill/internal/migration"
	"github.com/nusalink/ispbill/internal/outbox"
	"github.com/nusalink/ispbill/internal/partner"
	"github.com/nusalink/ispbill/internal/payment"
	"github.com/nusalink/ispbill/internal/plan"
	"github.com/nusalink/ispbill/internal/provisioning"
	"github.com/nusalink/ispbill/internal/scheduler"
	"github.com/nusalink/ispbill/internal/server"
	"github.com/nusalink/ispbill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		audit.Module,
		plan.Module,
		partner.Module,
		customer.Module,
		ledger.Module,
		coupon.Module,
		outbox.Module,
		provisioning.Module,
		lifecycle.Module,
		invoice.Module,
		payment.Module,
		dunning.Module,
		fup.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
