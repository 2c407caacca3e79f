// Command kvhttpd exposes the storage engine over the thin HTTP
// front end sketched in spec.md §6: PUT/GET/DELETE/GET-ALL routes with
// no transaction, auth, or range-scan surface of its own.
package main

import (
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	kv "github.com/kvforge/ferrokv"
)

func dbPath() string {
	if p := os.Getenv("FERROKV_PATH"); p != "" {
		return p
	}
	return "./ferrokvdb"
}

func main() {
	engine, err := kv.NewEngine(kv.Config{Path: dbPath()})
	if err != nil {
		log.Fatalf("kvhttpd: failed to open engine: %v", err)
	}
	defer engine.Close()

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	app.Use(helmet.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too many requests"})
		},
	}))

	registerRoutes(app, engine)

	log.Printf("kvhttpd: listening on 0.0.0.0:3000, data dir %s", dbPath())
	if err := app.Listen("0.0.0.0:3000"); err != nil {
		log.Fatalf("kvhttpd: server exited: %v", err)
	}
}

func registerRoutes(app *fiber.App, engine *kv.Engine) {
	app.Put("/", handlePut(engine))
	app.Get("/get/:key", handleGet(engine))
	app.Delete("/", handleDelete(engine))
	app.Get("/", handleGetAll(engine))
}

func handlePut(engine *kv.Engine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
		}
		if req.Key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "key is required")
		}

		seq, err := engine.Put([]byte(req.Key), []byte(req.Value))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		return c.JSON(fiber.Map{"seq": seq})
	}
}

func handleGet(engine *kv.Engine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := c.Params("key")
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "key is required")
		}
		value, found, err := engine.Get([]byte(key))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if !found {
			return c.JSON(nil)
		}
		return c.JSON(string(value))
	}
}

func handleDelete(engine *kv.Engine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			Key string `json:"key"`
		}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid JSON body")
		}
		if req.Key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "key is required")
		}

		oldValue, hadValue, _, err := engine.Delete([]byte(req.Key))
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, err.Error())
		}
		if !hadValue {
			return c.JSON(nil)
		}
		return c.JSON([]string{req.Key, string(oldValue)})
	}
}

func handleGetAll(engine *kv.Engine) fiber.Handler {
	return func(c *fiber.Ctx) error {
		pairs := engine.GetAll()
		out := make([][2]string, 0, len(pairs))
		for _, p := range pairs {
			out = append(out, [2]string{string(p.Key), string(p.Value)})
		}
		return c.JSON(out)
	}
}
