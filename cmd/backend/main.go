package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"kelub/hashlb/identity"
)

type Options struct {
	NodeID   string `flag:"node-id"`
	Address  string `flag:"addr"`
	HTTPPort int    `flag:"port"`
	RPCPort  int    `flag:"rpc-port"`
}

var opt Options

func init() {
	nodeID := os.Getenv("NODE_ID")
	if nodeID == "" {
		nodeID = "Unknown"
	}
	flag.StringVar(&opt.NodeID, "node-id", nodeID, "Identity reported to clients. Default: $NODE_ID")
	flag.StringVar(&opt.Address, "addr", "0.0.0.0", "Listen address. Default: 0.0.0.0")
	flag.IntVar(&opt.HTTPPort, "port", 5000, "HTTP port. Default: 5000")
	flag.IntVar(&opt.RPCPort, "rpc-port", 5001, "Identity RPC port. Default: 5001")
}

func main() {
	flag.Parse()
	gin.SetMode(gin.ReleaseMode)

	s := identity.NewServer(opt.NodeID)
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		RunRPCServer(s, opt.Address, opt.RPCPort)
		wg.Done()
	}()
	wg.Add(1)
	go func() {
		RunHTTPServer(NewEngine(opt.NodeID), opt.Address, opt.HTTPPort)
		wg.Done()
	}()
	wg.Wait()
}

func NewEngine(nodeID string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/home", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": fmt.Sprintf("Response from Node: %s", nodeID),
			"status":  "success",
		})
	})
	r.GET("/heartbeat", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return r
}

func RunHTTPServer(r *gin.Engine, addr string, port int) {
	logEntry := logrus.WithFields(logrus.Fields{
		"func_name": "RunHTTPServer",
		"addr":      addr,
		"port":      port,
	})
	logEntry.Infoln("HTTP Starting...")
	if err := r.Run(fmt.Sprintf("%s:%d", addr, port)); err != nil {
		logEntry.Errorf("http server stopped: %v", err)
	}
}

func RunRPCServer(s *grpc.Server, addr string, port int) {
	logEntry := logrus.WithFields(logrus.Fields{
		"func_name": "RunRPCServer",
		"addr":      addr,
		"port":      port,
	})
	logEntry.Infoln("RPC Starting...")
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, port))
	if err != nil {
		logEntry.Error(err)
		return
	}
	if err := s.Serve(lis); err != nil {
		logEntry.Errorf("rpc server stopped: %v", err)
	}
}
