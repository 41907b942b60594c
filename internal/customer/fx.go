package customer

import (
	"github.com/nusalink/ispbill/internal/customer/repository"
	"github.com/nusalink/ispbill/internal/customer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("customer.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
