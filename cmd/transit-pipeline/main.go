// 程序入口：transit-pipeline 命令行，负责装配依赖并执行管线阶段
package main

func main() { Execute() }
